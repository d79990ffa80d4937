// Command mkfs formats a disk image and optionally seeds it from a host
// directory tree, grounded on the teacher's mkfs.go (biscuit/src/mkfs/
// mkfs.go), which walks a skeleton directory into a freshly made ufs.Ufs_t.
// Flag parsing follows the kingpin idiom this repo uses at every CLI
// boundary (see SPEC_FULL.md's DOMAIN STACK section).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"

	"github.com/aarch64kit/armos/block"
	"github.com/aarch64kit/armos/defs"
	"github.com/aarch64kit/armos/fs"
)

var (
	app     = kingpin.New("mkfs", "Format an armos disk image.")
	outPath = app.Flag("out", "path of the image file to create").Required().String()
	nblocks = app.Flag("blocks", "total number of 512-byte blocks").Default("65536").Int()
	ninodes = app.Flag("inodes", "total number of inodes").Default("2000").Int()
	skel    = app.Flag("skel", "host directory tree to copy into the image root").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	disk, err := block.OpenFileDisk(*outPath, *nblocks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", errors.Wrapf(err, "open %s", *outPath))
		os.Exit(1)
	}
	defer disk.Close()

	super := fs.MakeSuper(*nblocks, *ninodes)
	if errno := super.Write(disk); errno != 0 {
		fmt.Fprintf(os.Stderr, "mkfs: write superblock: errno %d\n", errno)
		os.Exit(1)
	}

	cache, errno := fs.NewCache(disk, super)
	if errno != 0 {
		fmt.Fprintf(os.Stderr, "mkfs: open cache: errno %d\n", errno)
		os.Exit(1)
	}
	tree := fs.NewTree(cache, super)

	op := cache.BeginOp(context.Background())
	cache.ReserveSystemBlocks(op)
	if errno := tree.InitRoot(op); errno != 0 {
		cache.EndOp(op)
		fmt.Fprintf(os.Stderr, "mkfs: init root: errno %d\n", errno)
		os.Exit(1)
	}
	cache.EndOp(op)

	if *skel != "" {
		if err := addTree(cache, tree, *skel); err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: %v\n", errors.Wrapf(err, "seed from %s", *skel))
			os.Exit(1)
		}
	}

	if err := disk.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", errors.Wrap(err, "sync"))
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "mkfs: wrote %s (%d blocks, %d inodes)\n", *outPath, *nblocks, *ninodes)
}

// addTree walks skelDir on the host and replicates directories and files
// into the image (addfiles in the teacher's mkfs.go).
func addTree(cache *fs.Cache, tree *fs.Tree, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skelDir), string(filepath.Separator))
		if rel == "" {
			return nil
		}

		dirPath, name := filepath.Split(rel)
		parent, errno := lookupDir(tree, dirPath)
		if errno != 0 {
			return errors.Errorf("resolve %q: errno %d", dirPath, errno)
		}

		if d.IsDir() {
			op := cache.BeginOp(context.Background())
			dirIp, errno := tree.MkNod(op, parent, name, fs.TDir)
			cache.EndOp(op)
			tree.Put(nil, parent)
			if errno != 0 {
				return errors.Errorf("mkdir %q: errno %d", rel, errno)
			}
			tree.Put(nil, dirIp)
			return nil
		}

		op := cache.BeginOp(context.Background())
		ip, errno := tree.MkNod(op, parent, name, fs.TFile)
		cache.EndOp(op)
		tree.Put(nil, parent)
		if errno != 0 {
			return errors.Errorf("create %q: errno %d", rel, errno)
		}
		writeErr := copyData(cache, tree, ip, path)
		tree.Put(nil, ip)
		if writeErr != nil {
			return errors.Wrapf(writeErr, "copy %q", rel)
		}
		return nil
	})
}

// lookupDir resolves a "/"-joined directory path (relative to root, may be
// empty) to its inode.
func lookupDir(tree *fs.Tree, dirPath string) (*fs.Inode, defs.Errno) {
	dirPath = strings.Trim(dirPath, string(filepath.Separator))
	if dirPath == "" {
		return tree.Get(fs.RootInode), 0
	}
	ip, _, errno := tree.Namex(context.Background(), "/"+dirPath, false, fs.RootInode)
	return ip, errno
}

// copyData streams src's bytes into ip in BlockSize chunks, each its own
// transaction, mirroring the teacher's copydata.
func copyData(cache *fs.Cache, tree *fs.Tree, ip *fs.Inode, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer f.Close()

	buf := make([]byte, defs.BlockSize)
	off := 0
	ctx := context.Background()
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			op := cache.BeginOp(ctx)
			tree.Lock(ctx, ip)
			written := tree.Write(op, ip, buf[:n], off, n)
			tree.Unlock(ip)
			cache.EndOp(op)
			if written != n {
				return errors.Errorf("short write copying %q", src)
			}
			off += n
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrapf(readErr, "read %s", src)
		}
	}
}
