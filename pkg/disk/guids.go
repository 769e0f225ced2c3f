package disk

// Well-known GPT partition type GUIDs.
const (
	MicrosoftReservedGUID  = "E3C9E316-0B5C-4DB8-817D-F92DF00215AE"
	BasicDataGUID          = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	EFISystemPartitionGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	LinuxFilesystemGUID    = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
)

// MBR partition type identifiers, as hex strings.
const (
	MBRTypeFAT32LBA = "0c"
	MBRTypeNTFS     = "07" // also used for exFAT
	MBRTypeLinux    = "83"
)

// defaultPartitionType returns the partition type for a filesystem when
// no type is given explicitly.
func defaultPartitionType(pt PartitionTableType, fs FSType) string {
	if pt == PT_GPT {
		if fs.IsExtFamily() {
			return LinuxFilesystemGUID
		}
		return BasicDataGUID
	}

	switch {
	case fs.IsExtFamily():
		return MBRTypeLinux
	case fs == FS_FAT32:
		return MBRTypeFAT32LBA
	default:
		return MBRTypeNTFS
	}
}
