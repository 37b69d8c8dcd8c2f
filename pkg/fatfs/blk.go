package fatfs

// BlockDevice is a sector-addressed storage device. Sector indexes are
// absolute; buff holds count*GetSectorSize() bytes.
type BlockDevice interface {
	ReadSectors(sector uint64, count uint32, buff []byte) error
	WriteSectors(sector uint64, count uint32, buff []byte) error
	GetSectorSize() uint64
	GetSectorCount() uint64
	Initialize() error
	Status() error
}
