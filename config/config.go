// Package config holds the mount options of a pramfs region.
//
// Options come either from a mount option string
//
//	physaddr=0x10000000,init=4M,bs=4k,bpi=2560,N=1024,mode=0755,uid=0,gid=0,ro
//
// or from a YAML file overlaid with PRAMFS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"

	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/util"
)

const envVarPrefix = "PRAMFS"

// Size is a byte count written with an optional k/m/g suffix (binary units).
type Size uint64

func (s *Size) Decode(value string) error {
	n, err := units.RAMInBytes(value)
	if err != nil || n < 0 {
		return fmt.Errorf("size %q: %w", value, unix.EINVAL)
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return err
	}
	return s.Decode(v)
}

// Mode is a permission mode written in octal.
type Mode uint32

func (m *Mode) Decode(value string) error {
	n, err := strconv.ParseUint(value, 8, 32)
	if err != nil || n&^07777 != 0 {
		return fmt.Errorf("mode %q: %w", value, unix.EINVAL)
	}
	*m = Mode(n)
	return nil
}

func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return err
	}
	return m.Decode(v)
}

type Options struct {
	PhysAddr      uint64 `split_words:"true" yaml:"physaddr"`
	InitSize      Size   `split_words:"true" yaml:"init"`
	BlockSize     Size   `split_words:"true" yaml:"bs"`
	BytesPerInode uint64 `split_words:"true" yaml:"bpi"`
	NumInodes     uint64 `split_words:"true" yaml:"inodes"`
	Mode          Mode   `yaml:"mode"`
	UID           uint32 `yaml:"uid"`
	GID           uint32 `yaml:"gid"`
	ReadOnly      bool   `split_words:"true" yaml:"ro"`
}

// Default returns options with the root directory mode set and everything
// else left to the format defaults.
func Default() Options {
	return Options{Mode: Mode(common.DEFMODE)}
}

func parseUint(key string, value string, base int, bits int) (uint64, error) {
	n, err := strconv.ParseUint(value, base, bits)
	if err != nil {
		return 0, fmt.Errorf("option %s=%q: %w", key, value, unix.EINVAL)
	}
	return n, nil
}

// ParseOptions parses a comma separated mount option string. physaddr is
// required.
func ParseOptions(s string) (Options, error) {
	o := Default()
	var havePhys bool
	for _, opt := range strings.Split(s, ",") {
		if opt == "" {
			continue
		}
		key, value := opt, ""
		if i := strings.IndexByte(opt, '='); i >= 0 {
			key, value = opt[:i], opt[i+1:]
		}
		var n uint64
		var err error
		switch key {
		case "physaddr":
			n, err = parseUint(key, value, 0, 64)
			o.PhysAddr = n
			havePhys = true
		case "init":
			err = o.InitSize.Decode(value)
		case "bs":
			err = o.BlockSize.Decode(value)
		case "bpi":
			o.BytesPerInode, err = parseUint(key, value, 10, 64)
		case "N":
			o.NumInodes, err = parseUint(key, value, 10, 64)
		case "mode":
			err = o.Mode.Decode(value)
		case "uid":
			n, err = parseUint(key, value, 10, 32)
			o.UID = uint32(n)
		case "gid":
			n, err = parseUint(key, value, 10, 32)
			o.GID = uint32(n)
		case "ro":
			o.ReadOnly = true
		case "rw":
			o.ReadOnly = false
		default:
			err = fmt.Errorf("unknown option %q: %w", opt, unix.EINVAL)
		}
		if err != nil {
			return Options{}, err
		}
	}
	if !havePhys {
		return Options{}, fmt.Errorf("missing physaddr: %w", unix.EINVAL)
	}
	return o, nil
}

// String is the option string that ParseOptions accepts, leaving out
// options at their defaults.
func (o Options) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "physaddr=0x%016x", o.PhysAddr)
	if o.InitSize != 0 {
		if o.InitSize%1024 == 0 {
			fmt.Fprintf(&b, ",init=%dk", o.InitSize>>10)
		} else {
			fmt.Fprintf(&b, ",init=%d", o.InitSize)
		}
	}
	if o.BlockSize != 0 {
		fmt.Fprintf(&b, ",bs=%d", o.BlockSize)
	}
	if o.BytesPerInode != 0 {
		fmt.Fprintf(&b, ",bpi=%d", o.BytesPerInode)
	}
	if o.NumInodes != 0 {
		fmt.Fprintf(&b, ",N=%d", o.NumInodes)
	}
	if uint32(o.Mode) != common.DEFMODE {
		fmt.Fprintf(&b, ",mode=%03o", o.Mode)
	}
	if o.UID != 0 {
		fmt.Fprintf(&b, ",uid=%d", o.UID)
	}
	if o.GID != 0 {
		fmt.Fprintf(&b, ",gid=%d", o.GID)
	}
	if o.ReadOnly {
		b.WriteString(",ro")
	}
	return b.String()
}

// Validate rejects options no region could be mounted or formatted with.
func (o Options) Validate() error {
	if o.PhysAddr&(common.PAGESIZE-1) != 0 {
		return fmt.Errorf("physical address %#x isn't aligned to a page boundary: %w",
			o.PhysAddr, unix.EINVAL)
	}
	bs := uint64(o.BlockSize)
	if bs != 0 && (!util.IsPow2(bs) || bs < common.MINBLOCKSIZE || bs > common.MAXBLOCKSIZE) {
		return fmt.Errorf("block size %d not a power of two in [%d, %d]: %w",
			bs, common.MINBLOCKSIZE, common.MAXBLOCKSIZE, unix.EINVAL)
	}
	if bs == 0 {
		bs = common.DEFBLOCKSIZE
	}
	if o.InitSize != 0 && uint64(o.InitSize) < bs {
		return fmt.Errorf("init size %d smaller than a block: %w", o.InitSize, unix.EINVAL)
	}
	if o.Mode&^07777 != 0 {
		return fmt.Errorf("mode %o: %w", o.Mode, unix.EINVAL)
	}
	return nil
}

// Load reads options from the YAML file at path, if it exists, then applies
// PRAMFS_* environment variables on top.
func Load(path string) (Options, error) {
	o := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Options{}, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.UnmarshalStrict(data, &o); err != nil {
				return Options{}, fmt.Errorf("unmarshaling config file: %w", err)
			}
		}
	}
	if err := envconfig.Process(envVarPrefix, &o); err != nil {
		return Options{}, fmt.Errorf("parsing environment variables: %w", err)
	}
	return o, nil
}
