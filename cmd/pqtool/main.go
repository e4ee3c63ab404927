// Copyright 2016 Aleksandr Demakin. All rights reserved.

// pqtool is a debug tool for product queues.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	prodq "github.com/nxgtw/go-prodq"
	"github.com/nxgtw/go-prodq/shm"

	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"
)

var (
	statusKey = flag.Int("status", 0, "status segment key")
	bufferKey = flag.Int("buffer", 0, "buffer segment key")
	backend   = flag.String("backend", "sysv", "shm backend - sysv | tmpfs")
	bufSize   = flag.Int("size", 1<<20, "buffer size for create")
	types     = flag.String("types", `[{"Type":1,"Slots":16,"Label":"default"}]`, "product types for create, json")
	wait      = flag.Duration("wait", 0, "wait for the queue to be created, if > 0")
	quiet     = flag.Bool("quiet", false, "do not log lock overrides and evictions")
)

const usage = `  debug tool for product queues.
available commands:
  create
    creates a queue and waits for a signal to destroy it.
  remove
    removes queue segments and semaphores.
  add type subtype expire_secs text
    adds a product with the text payload. expire_secs = 0 means no expiration.
  delete type key
  expire type key
  expire-all
  print
  dump
    prints the queue metadata as json.
  verify
  check
    polls and clears the update flags.
  display-time {unix_secs | realtime}
  data-time {unix_secs | realtime}
  map-flag value
  type-display type {on | off}
  instance-display key {on | off}
`

func config() (prodq.Config, error) {
	cfg := prodq.DefaultConfig(*statusKey, *bufferKey)
	b, err := shm.ParseBackend(*backend)
	if err != nil {
		return cfg, err
	}
	cfg.Backend = b
	cfg.BufferSize = *bufSize
	if err = sonnet.Unmarshal([]byte(*types), &cfg.Types); err != nil {
		return cfg, errors.Wrap(err, "invalid product types")
	}
	if *quiet {
		cfg.Logger = prodq.NopLogger
	}
	return cfg, nil
}

func attach(cfg prodq.Config) (*prodq.Queue, error) {
	if *wait <= 0 {
		return prodq.AttachNoWait(cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	return prodq.Attach(ctx, cfg)
}

func intArg(n int) (int, error) {
	value, err := strconv.Atoi(flag.Arg(n))
	if err != nil {
		return 0, errors.Wrapf(err, "argument %d", n)
	}
	return value, nil
}

func onOffArg(n int) (bool, error) {
	switch flag.Arg(n) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, errors.Errorf("argument %d: expected on or off, got %q", n, flag.Arg(n))
}

func timeArg(n int) (time.Time, error) {
	if flag.Arg(n) == "realtime" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(flag.Arg(n), 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "argument %d", n)
	}
	return time.Unix(secs, 0), nil
}

func create(cfg prodq.Config) error {
	q, err := prodq.Create(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("queue %d/%d created, press enter to destroy it\n", cfg.StatusKey, cfg.BufferKey)
	var line string
	fmt.Scanln(&line)
	return q.Destroy()
}

func add(q *prodq.Queue) error {
	if flag.NArg() != 5 {
		return errors.New("add: must provide exactly four arguments")
	}
	var values [3]int
	for i := range values {
		value, err := intArg(i + 1)
		if err != nil {
			return err
		}
		values[i] = value
	}
	now := time.Now()
	p := prodq.Product{
		Type:         values[0],
		Subtype:      values[1],
		GenerateTime: now,
		ReceivedTime: now,
		StartTime:    now,
		Data:         []byte(flag.Arg(4)),
	}
	if values[2] > 0 {
		p.ExpireTime = now.Add(time.Duration(values[2]) * time.Second)
	}
	res, err := q.AddProduct(p)
	if err != nil {
		return err
	}
	fmt.Printf("added product %d, evicted: %v\n", res.Key, res.Freed)
	return nil
}

func removeProduct(q *prodq.Queue, expire bool) error {
	if flag.NArg() != 3 {
		return errors.Errorf("%s: must provide exactly two arguments", flag.Arg(0))
	}
	typ, err := intArg(1)
	if err != nil {
		return err
	}
	key, err := intArg(2)
	if err != nil {
		return err
	}
	var found bool
	if expire {
		found, err = q.ExpireProduct(typ, key)
	} else {
		found, err = q.DeleteProduct(typ, key)
	}
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("product %d of type %d not found", key, typ)
	}
	return nil
}

func dump(q *prodq.Queue, w io.Writer) error {
	snap, err := q.Snapshot()
	if err != nil {
		return err
	}
	data, err := sonnet.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to encode the queue")
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func check(q *prodq.Queue) error {
	server, err := q.CheckServerUpdate()
	if err != nil {
		return err
	}
	display, err := q.CheckDisplayUpdate()
	if err != nil {
		return err
	}
	current, err := q.DataCurrent()
	if err != nil {
		return err
	}
	fmt.Printf("server update: %v, display update: %v, data current: %v\n", server, display, current)
	return nil
}

func setDisplay(q *prodq.Queue, instance bool) error {
	if flag.NArg() != 3 {
		return errors.Errorf("%s: must provide exactly two arguments", flag.Arg(0))
	}
	id, err := intArg(1)
	if err != nil {
		return err
	}
	on, err := onOffArg(2)
	if err != nil {
		return err
	}
	if instance {
		return q.SetInstanceDisplay(id, on)
	}
	return q.SetTypeDisplay(id, on)
}

func setTime(set func(time.Time) error) error {
	if flag.NArg() != 2 {
		return errors.Errorf("%s: must provide exactly one argument", flag.Arg(0))
	}
	t, err := timeArg(1)
	if err != nil {
		return err
	}
	return set(t)
}

func runQueueCommand(q *prodq.Queue, command string) error {
	switch command {
	case "add":
		return add(q)
	case "delete":
		return removeProduct(q, false)
	case "expire":
		return removeProduct(q, true)
	case "expire-all":
		n, err := q.ExpireProducts(time.Now())
		if err == nil {
			fmt.Printf("%d products expired\n", n)
		}
		return err
	case "print":
		return q.Print(os.Stdout)
	case "dump":
		return dump(q, os.Stdout)
	case "verify":
		return q.Verify()
	case "check":
		return check(q)
	case "display-time":
		return setTime(q.SetDisplayTime)
	case "data-time":
		return setTime(q.SetDataTime)
	case "map-flag":
		if flag.NArg() != 2 {
			return errors.New("map-flag: must provide exactly one argument")
		}
		value, err := intArg(1)
		if err != nil {
			return err
		}
		return q.SetMapFlag(value)
	case "type-display":
		return setDisplay(q, false)
	case "instance-display":
		return setDisplay(q, true)
	default:
		return errors.Errorf("unknown command %q", command)
	}
}

func runCommand() error {
	cfg, err := config()
	if err != nil {
		return err
	}
	command := flag.Arg(0)
	switch command {
	case "create":
		return create(cfg)
	case "remove":
		return prodq.Remove(cfg)
	}
	q, err := attach(cfg)
	if err != nil {
		if prodq.IsWouldBlock(err) {
			return errors.New("queue does not exist")
		}
		return err
	}
	defer q.Close()
	return runQueueCommand(q, command)
}

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Print(usage)
		flag.Usage()
		os.Exit(1)
	}
	if err := runCommand(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
