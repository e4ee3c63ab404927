// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package prodq implements a product queue in shared memory.
//
// A product queue passes short-lived typed blobs (products) between
// writer and reader processes on the same host. It lives in two shared memory segments:
//	status segment - queue header, product type descriptors and a slot table.
//	buffer segment - a circular arena with product payloads.
// Each segment is guarded by a System V semaphore with the same key.
//
// Slots are statically partitioned between product types when the queue is created.
// When a type's partition is full, adding a product evicts the oldest product of that type.
//
// Writers and readers don't wake each other. They poll update flags instead:
//	CheckServerUpdate - true, if products changed since the last call.
//	CheckDisplayUpdate - true, if display settings changed since the last call.
//
// Supported platforms are linux/amd64 and linux/arm64.
package prodq
