package datasizes

const (
	KiloByte = 1000            // kB
	KibiByte = 1024            // KiB
	MegaByte = 1000 * 1000     // MB
	MebiByte = 1024 * 1024     // MiB
	GigaByte = 1000 * MegaByte // GB
	GibiByte = 1024 * MebiByte // GiB
	TeraByte = 1000 * GigaByte // TB
	TebiByte = 1024 * GibiByte // TiB

	// shorthand aliases
	KiB = KibiByte
	MiB = MebiByte
	GiB = GibiByte
	TiB = TebiByte
)
