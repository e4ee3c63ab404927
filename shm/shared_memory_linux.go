// Copyright 2015 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	namePrefix       = "prodq."
	defaultShmPath   = "/dev/shm/"
	cShmfsSuperMagic = 0x01021994
	cRamfsMagic      = 0x858458f6
)

var (
	shmPathOnce sync.Once
	shmPath     string
)

type mntent struct {
	fsname string /* Device or server for filesystem.  */
	dir    string /* Directory mounted on.  */
	fstype string /* Type of filesystem: ufs, nfs, etc.  */
	opts   string /* Comma-separated options for fs.  */
	freq   int    /* Dump frequency (in days).  */
	passno int    /* Pass number for `fsck'.  */
}

func keyName(key int) string {
	return fmt.Sprintf("%s%08x", namePrefix, uint32(key))
}

// glibc/sysdeps/posix/shm-directory.h
func shmPathForKey(key int) (string, error) {
	dir, err := shmDirectory()
	if err != nil {
		return "", errors.Wrap(err, "error building shared memory name")
	}
	return dir + keyName(key), nil
}

func shmDirectory() (string, error) {
	shmPathOnce.Do(locateShmFs)
	if len(shmPath) == 0 {
		return shmPath, errors.New("error locating the shared memory path")
	}
	return shmPath, nil
}

// glibc/sysdeps/unix/sysv/linux/shm-directory.c
func locateShmFs() {
	if checkShmPath(defaultShmPath) {
		shmPath = defaultShmPath
	} else {
		shmPath = shmFsFromMounts()
	}
}

func checkShmPath(path string) bool {
	if len(path) == 0 {
		return false
	}
	var statfs unix.Statfs_t
	if err := unix.Statfs(path, &statfs); err != nil {
		return false
	}
	// unconvert says 'warning: redundant type conversion',
	// however, it is not, as statfs.Type has different types on different platforms.
	return isShmFs(int64(statfs.Type))
}

func isShmFs(fsType int64) bool {
	return fsType == cShmfsSuperMagic || fsType == cRamfsMagic
}

func shmFsFromMounts() string {
	for _, table := range []string{"/proc/mounts", "/etc/fstab"} {
		file, err := os.Open(table)
		if err != nil {
			continue
		}
		dir := shmFsFromReader(file)
		file.Close()
		if len(dir) > 0 {
			return dir
		}
	}
	return ""
}

func shmFsFromReader(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		record := scanMountRecord(scanner.Text())
		if record == nil || (record.fstype != "tmpfs" && record.fstype != "shm") {
			continue
		}
		if checkShmPath(record.dir) {
			return strings.TrimSuffix(record.dir, "/") + "/"
		}
	}
	return ""
}

// scanMountRecord parses one line of fstab(5) format.
func scanMountRecord(line string) *mntent {
	fields := strings.Fields(line)
	if len(fields) < 6 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	freq, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil
	}
	passno, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil
	}
	return &mntent{
		fsname: fields[0],
		dir:    fields[1],
		fstype: fields[2],
		opts:   fields[3],
		freq:   freq,
		passno: passno,
	}
}
