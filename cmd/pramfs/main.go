// Command pramfs formats, inspects and copies pramfs filesystems kept in a
// file or DAX device standing in for persistent memory.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/go-pramfs/config"
	"github.com/mit-pdos/go-pramfs/image"
	"github.com/mit-pdos/go-pramfs/pramfs"
	"github.com/mit-pdos/go-pramfs/region"
	"github.com/mit-pdos/go-pramfs/util"
)

func openBank(c *cli.Context) (*region.FileBank, error) {
	base, err := strconv.ParseUint(c.String("base"), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing --base: %w", err)
	}
	size, err := units.RAMInBytes(c.String("size"))
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("parsing --size %q: %v", c.String("size"), err)
	}
	return region.OpenFileBank(c.String("device"), base, uint64(size))
}

// options come from -o if given, and from the config file and environment
// otherwise.
func options(c *cli.Context) (config.Options, error) {
	if c.IsSet("o") {
		return config.ParseOptions(c.String("o"))
	}
	return config.Load(c.String("config"))
}

type fsAction func(fs *pramfs.FS, c *cli.Context) error

type mountMode int

const (
	mountFormat mountMode = iota
	mountReadOnly
)

func withFS(mode mountMode, f fsAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		bank, err := openBank(c)
		if err != nil {
			return err
		}
		opts, err := options(c)
		if err != nil {
			return err
		}
		switch mode {
		case mountFormat:
			if opts.InitSize == 0 {
				return cli.Exit("mkfs needs the init option", 2)
			}
		case mountReadOnly:
			if opts.InitSize != 0 {
				return cli.Exit("init is only valid for mkfs", 2)
			}
			opts.ReadOnly = true
		}
		fs, err := pramfs.Mount(bank, opts)
		if err != nil {
			return fmt.Errorf("mounting %s: %w", bank.Path(), err)
		}
		defer func() {
			if err := fs.Unmount(); err != nil {
				logrus.WithError(err).Error("unmount failed")
			}
		}()
		return f(fs, c)
	}
}

func printStatfs(fs *pramfs.FS) error {
	st, err := fs.Statfs()
	if err != nil {
		return err
	}
	fmt.Printf("options:     %s\n", fs.Options())
	fmt.Printf("block size:  %d\n", st.BlockSize)
	fmt.Printf("blocks:      %d (%d free, %s)\n", st.Blocks, st.Free,
		units.BytesSize(float64(st.Free*st.BlockSize)))
	fmt.Printf("inodes:      %d (%d free)\n", st.Files, st.FreeFiles)
	return nil
}

func mkfs(fs *pramfs.FS, c *cli.Context) error {
	return printStatfs(fs)
}

func stat(fs *pramfs.FS, c *cli.Context) error {
	if err := printStatfs(fs); err != nil {
		return err
	}
	sb := fs.Super().Read()
	fmt.Printf("mounted:     %d\n", sb.Mtime)
	fmt.Printf("written:     %d\n", sb.Wtime)
	return nil
}

func check(fs *pramfs.FS, c *cli.Context) error {
	rep := fs.Check()
	fmt.Printf("%d blocks in use, %d free\n", rep.UsedBlocks, rep.FreeBlocks)
	fmt.Printf("%d inodes free\n", rep.FreeInodes)
	for _, p := range rep.Problems {
		fmt.Println(p)
	}
	if !rep.OK() {
		return cli.Exit(fmt.Sprintf("%d problems found", len(rep.Problems)), 1)
	}
	return nil
}

func snapshot(fs *pramfs.FS, c *cli.Context) error {
	d, err := image.Open(c.String("image"), fs.Super().Size)
	if err != nil {
		return err
	}
	defer d.Close()
	return fs.Snapshot(d)
}

func restore(c *cli.Context) error {
	bank, err := openBank(c)
	if err != nil {
		return err
	}
	opts, err := options(c)
	if err != nil {
		return err
	}
	d, err := image.OpenExisting(c.String("image"))
	if err != nil {
		return err
	}
	defer d.Close()
	if err := pramfs.Restore(bank, opts.PhysAddr, d); err != nil {
		return err
	}
	opts.InitSize = 0
	opts.ReadOnly = true
	fs, err := pramfs.Mount(bank, opts)
	if err != nil {
		return fmt.Errorf("restored image does not mount: %w", err)
	}
	if err := printStatfs(fs); err != nil {
		fs.Unmount()
		return err
	}
	return fs.Unmount()
}

func main() {
	imageFlag := &cli.StringFlag{
		Name:     "image",
		Aliases:  []string{"i"},
		Usage:    "image file",
		Required: true,
	}
	app := cli.App{
		Name:  "pramfs",
		Usage: "manage pramfs filesystems in persistent memory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "device",
				Aliases:  []string{"d"},
				Usage:    "file or DAX device holding the memory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "base",
				Value: "0",
				Usage: "physical address of the device's first byte",
			},
			&cli.StringFlag{
				Name:  "size",
				Value: "64MiB",
				Usage: "device size",
			},
			&cli.StringFlag{
				Name:  "o",
				Usage: "mount options, e.g. physaddr=0x0,init=16M,bs=4k",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "pramfs.yaml",
				Usage:   "YAML file of mount options, used without -o",
			},
			&cli.Uint64Flag{
				Name:  "debug",
				Usage: "trace level",
			},
		},
		Before: func(c *cli.Context) error {
			util.SetDebug(c.Uint64("debug"))
			return nil
		},
		Commands: []*cli.Command{{
			Name:   "mkfs",
			Usage:  "format a new filesystem (needs the init option)",
			Action: withFS(mountFormat, mkfs),
		}, {
			Name:   "stat",
			Usage:  "print the superblock counters",
			Action: withFS(mountReadOnly, stat),
		}, {
			Name:   "check",
			Usage:  "verify the allocation metadata and checksums",
			Action: withFS(mountReadOnly, check),
		}, {
			Name:   "snapshot",
			Usage:  "copy the filesystem to an image file",
			Flags:  []cli.Flag{imageFlag},
			Action: withFS(mountReadOnly, snapshot),
		}, {
			Name:   "restore",
			Usage:  "write an image file back to memory",
			Flags:  []cli.Flag{imageFlag},
			Action: restore,
		}},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
