package fatfs

import (
	"errors"
	"fmt"
	"os"
)

const (
	TypeUnknown Type = iota
	TypeFAT12
	TypeFAT16
	TypeFAT32

	AttrReadOnly  FileAttr = 0x01
	AttrHidden    FileAttr = 0x02
	AttrSystem    FileAttr = 0x04
	AttrVolumeID  FileAttr = 0x08
	AttrDirectory FileAttr = 0x10
	AttrArchive   FileAttr = 0x20
	AttrLongName  FileAttr = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID

	SectorSize = 512
)

const (
	// ReadOnly is the only mode files can be opened with.
	ReadOnly Mode = iota
	ReadWriteAppend
	ReadWriteTruncate
	ReadWriteCreate
	ReadWriteCreateOrTruncate
	ReadWriteCreateOrAppend
)

type Type uint8

func (t Type) String() string {
	switch t {
	case TypeFAT12:
		return "FAT12"
	case TypeFAT16:
		return "FAT16"
	case TypeFAT32:
		return "FAT32"
	default:
		return "invalid/unknown"
	}
}

type FileAttr uint8

func (a FileAttr) IsDir() bool      { return a&AttrDirectory != 0 }
func (a FileAttr) IsVolumeID() bool { return a&AttrLongName == AttrVolumeID }
func (a FileAttr) IsLongName() bool { return a&0x3f == AttrLongName }

// Mode is the access mode a file is opened with.
type Mode uint8

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "r"
	case ReadWriteAppend:
		return "a+"
	case ReadWriteTruncate:
		return "r+"
	case ReadWriteCreate:
		return "x+"
	case ReadWriteCreateOrTruncate:
		return "w+"
	case ReadWriteCreateOrAppend:
		return "a+c"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// VolumeIdx selects a partition; 0 is also the superfloppy volume.
type VolumeIdx uint8

var (
	// ErrBadHandle is returned for handles that are unknown, stale or of
	// the wrong volume.
	ErrBadHandle = errors.New("fatfs: bad handle")

	// ErrOpenChildren is returned when closing a directory with open files
	// or a volume with open directories.
	ErrOpenChildren = errors.New("fatfs: handle has open children")

	ErrVolumeAlreadyOpen = errors.New("fatfs: volume already open")
	ErrFileAlreadyOpen   = errors.New("fatfs: file already open")
	ErrTooManyOpen       = errors.New("fatfs: too many open handles")

	// ErrReadOnly is returned for any attempt to modify the filesystem.
	ErrReadOnly = errors.New("fatfs: read-only filesystem")

	// ErrNotImplemented is returned for directory operations below the root.
	ErrNotImplemented = errors.New("fatfs: feature not implemented")

	ErrInvalidParameter = errors.New("fatfs: invalid parameter")
)

type VolumeErrorKind uint8

const (
	VolumeNoPartition VolumeErrorKind = iota + 1
	VolumeUnsupportedFormat
	VolumeIO
)

func (k VolumeErrorKind) String() string {
	switch k {
	case VolumeNoPartition:
		return "no partition"
	case VolumeUnsupportedFormat:
		return "unsupported format"
	case VolumeIO:
		return "i/o error"
	default:
		return "unknown volume error"
	}
}

// VolumeError is returned when a volume cannot be opened.
type VolumeError struct {
	Idx  VolumeIdx
	Kind VolumeErrorKind
	Err  error
}

func (err *VolumeError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("fatfs: volume %d: %s", err.Idx, err.Kind)
	}
	return fmt.Sprintf("fatfs: volume %d: %s: %v", err.Idx, err.Kind, err.Err)
}

func (err *VolumeError) Unwrap() error {
	return err.Err
}

type FileErrorKind uint8

const (
	FileNotFound FileErrorKind = iota + 1
	FileNotAFile
	FileIO
)

func (k FileErrorKind) String() string {
	switch k {
	case FileNotFound:
		return "not found"
	case FileNotAFile:
		return "not a file"
	case FileIO:
		return "i/o error"
	default:
		return "unknown file error"
	}
}

// FileError is returned when a file cannot be opened or read.
type FileError struct {
	Name string
	Kind FileErrorKind
	Err  error
}

func (err *FileError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("fatfs: %s: %s", err.Name, err.Kind)
	}
	return fmt.Sprintf("fatfs: %s: %s: %v", err.Name, err.Kind, err.Err)
}

func (err *FileError) Unwrap() error {
	return err.Err
}

// Is lets errors.Is(err, os.ErrNotExist) hold for missing files.
func (err *FileError) Is(target error) bool {
	return err.Kind == FileNotFound && target == os.ErrNotExist
}

// translateFlags translates osFlags such as os.O_RDONLY into a Mode.
func translateFlags(osFlags int) Mode {
	switch osFlags &^ os.O_SYNC {
	case os.O_RDONLY:
		// r
		return ReadOnly
	case os.O_RDWR:
		// r+
		return ReadWriteTruncate
	case os.O_CREATE, os.O_WRONLY, os.O_WRONLY | os.O_CREATE, os.O_WRONLY | os.O_CREATE | os.O_TRUNC,
		os.O_RDWR | os.O_CREATE | os.O_TRUNC:
		// w, w+
		return ReadWriteCreateOrTruncate
	case os.O_WRONLY | os.O_CREATE | os.O_APPEND, os.O_RDWR | os.O_CREATE | os.O_APPEND:
		// a, a+
		return ReadWriteCreateOrAppend
	case os.O_CREATE | os.O_EXCL, os.O_RDWR | os.O_CREATE | os.O_EXCL:
		// x
		return ReadWriteCreate
	default:
		return ReadWriteAppend
	}
}
