// Copyright 2015 Aleksandr Demakin. All rights reserved.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	prodq "github.com/nxgtw/go-prodq"
	"github.com/nxgtw/go-prodq/internal/test"
	"github.com/nxgtw/go-prodq/shm"
	ipcsync "github.com/nxgtw/go-prodq/sync"

	"github.com/pkg/errors"
)

var (
	statusKey = flag.Int("status", 0, "status segment key")
	bufferKey = flag.Int("buffer", 0, "buffer segment key")
	backend   = flag.String("backend", "sysv", "shm backend - sysv | tmpfs")
	override  = flag.Duration("override", prodq.OverrideTimeout, "stale lock override timeout")
	wait      = flag.Duration("wait", 10*time.Second, "attach and poll timeout")
)

const usage = `  test program for product queues.
available commands:
  add type count size seed
    adds count products of the given type. i-th product has a pattern payload of size bytes with seed+i.
    prints the instance keys.
  test key {expected payload}
    checks the payload of the product.
  count type n
    checks, that there are n products of the type and the queue is consistent.
  lock
    takes the status lock and exits without releasing it.
  attach
    attaches to the queue and exits without closing it.
  serve
    waits for a display time request, adds a product for it, and reports the data time.
payload should be passed as a continuous string of 2-symbol hex byte values like '01020A'
`

func config() (prodq.Config, error) {
	cfg := prodq.DefaultConfig(*statusKey, *bufferKey)
	b, err := shm.ParseBackend(*backend)
	if err != nil {
		return cfg, err
	}
	cfg.Backend = b
	cfg.OverrideTimeout = *override
	cfg.AttachPoll = 10 * time.Millisecond
	return cfg, nil
}

func attach() (*prodq.Queue, error) {
	cfg, err := config()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	return prodq.Attach(ctx, cfg)
}

func intArgs(from, count int) ([]int, error) {
	if flag.NArg() != from+count {
		return nil, errors.Errorf("%s: must provide exactly %d arguments", flag.Arg(0), count)
	}
	result := make([]int, count)
	for i := range result {
		value, err := strconv.Atoi(flag.Arg(from + i))
		if err != nil {
			return nil, err
		}
		result[i] = value
	}
	return result, nil
}

func add() error {
	args, err := intArgs(1, 4)
	if err != nil {
		return err
	}
	q, err := attach()
	if err != nil {
		return err
	}
	defer q.Close()
	var keys []string
	for i := 0; i < args[1]; i++ {
		data := pqtest.PatternPayload(args[2], byte(args[3]+i))
		res, err := q.AddProduct(prodq.Product{Type: args[0], ReceivedTime: time.Now(), Data: data})
		if err != nil {
			return err
		}
		keys = append(keys, strconv.Itoa(res.Key))
	}
	fmt.Println(strings.Join(keys, ","))
	return nil
}

func test() error {
	if flag.NArg() != 3 {
		return errors.New("test: must provide exactly two arguments")
	}
	key, err := strconv.Atoi(flag.Arg(1))
	if err != nil {
		return err
	}
	expected, err := pqtest.DecodePayload(flag.Arg(2))
	if err != nil {
		return err
	}
	q, err := attach()
	if err != nil {
		return err
	}
	defer q.Close()
	actual, err := q.Payload(key)
	if err != nil {
		return err
	}
	if string(actual) != string(expected) {
		return errors.Errorf("invalid payload of %d: %v, expected %v", key, actual, expected)
	}
	return nil
}

func count() error {
	args, err := intArgs(1, 2)
	if err != nil {
		return err
	}
	q, err := attach()
	if err != nil {
		return err
	}
	defer q.Close()
	infos, err := q.FindByType(args[0])
	if err != nil {
		return err
	}
	if len(infos) != args[1] {
		return errors.Errorf("type %d has %d products, expected %d", args[0], len(infos), args[1])
	}
	return q.Verify()
}

// lock simulates a process, which dies while holding the queue.
func lock() error {
	cfg, err := config()
	if err != nil {
		return err
	}
	sem, err := ipcsync.NewSemaphoreKey(cfg.StatusKey, 0, cfg.Perm, 0)
	if err != nil {
		return err
	}
	l := ipcsync.NewRegionLock(sem, "status", cfg.OverrideTimeout, nil)
	return l.Acquire()
}

// attachAndExit simulates a process, which dies while attached to the queue.
func attachAndExit() error {
	_, err := attach()
	return err
}

func serve() error {
	q, err := attach()
	if err != nil {
		return err
	}
	defer q.Close()
	deadline := time.Now().Add(*wait)
	for {
		updated, err := q.CheckDisplayUpdate()
		if err != nil {
			return err
		}
		if updated {
			break
		}
		if time.Now().After(deadline) {
			return errors.New("no display update")
		}
		time.Sleep(10 * time.Millisecond)
	}
	requested, err := q.DisplayTime()
	if err != nil {
		return err
	}
	if _, err = q.AddProduct(prodq.Product{Type: 1, StartTime: requested, Data: []byte("served")}); err != nil {
		return err
	}
	if err = q.SetDataTime(requested); err != nil {
		return err
	}
	fmt.Println(requested.UnixNano())
	return nil
}

func runCommand() error {
	command := flag.Arg(0)
	if *statusKey == 0 || *bufferKey == 0 {
		return errors.New("queue keys are not set")
	}
	switch command {
	case "add":
		return add()
	case "test":
		return test()
	case "count":
		return count()
	case "lock":
		return lock()
	case "attach":
		return attachAndExit()
	case "serve":
		return serve()
	default:
		return errors.Errorf("unknown command %q", command)
	}
}

func main() {
	flag.Parse()
	if len(flag.Args()) == 0 {
		fmt.Print(usage)
		flag.Usage()
		os.Exit(1)
	}
	if err := runCommand(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
