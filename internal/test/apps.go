// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package pqtest contains helpers for tests, which launch helper programs with 'go run'.
package pqtest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// TestAppResult is a result of a 'go run' program launch
type TestAppResult struct {
	Output string
	Err    error
}

// EncodePayload converts data into a command line argument.
// An empty payload is encoded as "-".
func EncodePayload(data []byte) string {
	if len(data) == 0 {
		return "-"
	}
	return strings.ToUpper(hex.EncodeToString(data))
}

// DecodePayload converts a command line argument back into data.
func DecodePayload(input string) ([]byte, error) {
	if input == "-" {
		return nil, nil
	}
	data, err := hex.DecodeString(input)
	if err != nil {
		return nil, errors.Wrap(err, "invalid payload")
	}
	return data, nil
}

// PatternPayload returns n bytes, each equal to the lowest byte of its index xor seed.
// Processes use it to produce and check data without passing it on the command line.
func PatternPayload(n int, seed byte) []byte {
	result := make([]byte, n)
	for i := range result {
		result[i] = byte(i) ^ seed
	}
	return result
}

// launch helpers

func startTestApp(ctx context.Context, args []string) (*exec.Cmd, *bytes.Buffer, error) {
	args = append([]string{"run"}, args...)
	cmd := exec.CommandContext(ctx, "go", args...)
	buff := bytes.NewBuffer(nil)
	cmd.Stderr = buff
	cmd.Stdout = buff
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	fmt.Printf("started new process [%d]\n", cmd.Process.Pid)
	return cmd, buff, nil
}

func waitForCommand(cmd *exec.Cmd, buff *bytes.Buffer) (result TestAppResult) {
	if result.Err = cmd.Wait(); result.Err != nil {
		if exiterr, ok := result.Err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				result.Err = errors.Errorf("%v, status code = %d", result.Err, status.ExitStatus())
			}
		}
	} else if !cmd.ProcessState.Success() {
		result.Err = errors.New("process has exited with an error")
	}
	result.Output = buff.String()
	return
}

// RunTestApp starts a go program via 'go run' and waits for it to finish.
// The process is killed, when ctx is done.
func RunTestApp(ctx context.Context, args []string) TestAppResult {
	cmd, buff, err := startTestApp(ctx, args)
	if err != nil {
		return TestAppResult{Err: err}
	}
	return waitForCommand(cmd, buff)
}

// RunTestAppAsync starts a go program via 'go run' and returns immediately.
// The process is killed, when ctx is done.
// To wait for the program to finish, receive on TestAppResult chan.
func RunTestAppAsync(ctx context.Context, args []string) <-chan TestAppResult {
	ch := make(chan TestAppResult, 1)
	if cmd, buff, err := startTestApp(ctx, args); err != nil {
		ch <- TestAppResult{Err: err}
	} else {
		go func() {
			ch <- waitForCommand(cmd, buff)
		}()
	}
	return ch
}

// WaitForAppResultChan waits for a value from ch with a timeout
func WaitForAppResultChan(ch <-chan TestAppResult, d time.Duration) (TestAppResult, bool) {
	select {
	case value := <-ch:
		return value, true
	case <-time.After(d):
		return TestAppResult{}, false
	}
}
