// Copyright 2015 Aleksandr Demakin. All rights reserved.

package allocator

import (
	"fmt"
	"reflect"
	"unsafe"
)

// ByteSliceData returns a pointer to the data of the given byte slice.
func ByteSliceData(slice []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(slice))
}

// ObjectAt returns a pointer to an object of type T placed in data at the given offset.
// The object must fit into data and be properly aligned. T must not contain references,
// see CheckObjectReferences.
func ObjectAt[T any](data []byte, offset int) (*T, error) {
	var zero T
	size, align := int(unsafe.Sizeof(zero)), int(unsafe.Alignof(zero))
	if err := checkBounds(data, offset, size, align); err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&data[offset])), nil
}

// SliceAt returns a slice of count objects of type T placed in data at the given offset.
func SliceAt[T any](data []byte, offset, count int) ([]T, error) {
	var zero T
	size, align := int(unsafe.Sizeof(zero)), int(unsafe.Alignof(zero))
	if count < 0 {
		return nil, fmt.Errorf("negative object count %d", count)
	}
	if count == 0 {
		return []T{}, nil
	}
	if err := checkBounds(data, offset, size*count, align); err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[offset])), count), nil
}

func checkBounds(data []byte, offset, size, align int) error {
	if offset < 0 || size < 0 || offset+size > len(data) || offset+size < offset {
		return fmt.Errorf("object [%d, %d) is out of region bounds [0, %d)", offset, offset+size, len(data))
	}
	if size > 0 && uintptr(ByteSliceData(data[offset:]))%uintptr(align) != 0 {
		return fmt.Errorf("object at offset %d is not aligned to %d", offset, align)
	}
	return nil
}

// CheckObjectReferences checks if an object of type can be safely placed into shared memory.
// the object must not contain any reference types like
// maps, strings, slices and pointers, as they are meaningless in another address space.
func CheckObjectReferences(object interface{}) error {
	return checkType(reflect.TypeOf(object))
}

func checkType(t reflect.Type) error {
	if t == nil {
		return fmt.Errorf("nil type")
	}
	kind := t.Kind()
	switch kind {
	case reflect.Array:
		return checkType(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if err := checkType(field.Type); err != nil {
				return fmt.Errorf("field %s: %v", field.Name, err)
			}
		}
		return nil
	}
	return checkNumericType(kind)
}

func checkNumericType(kind reflect.Kind) error {
	if kind >= reflect.Bool && kind <= reflect.Complex128 && kind != reflect.Uintptr {
		return nil
	}
	return fmt.Errorf("unsupported type %q", kind.String())
}
