package exttool

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DiskpartTool is the partition-management shell.
var DiskpartTool = "diskpart.exe"

// DiskpartScript is a sequence of diskpart commands, one per line.
type DiskpartScript []string

func (s DiskpartScript) String() string {
	return strings.Join(s, "\r\n") + "\r\n"
}

// RescanScript makes the volume manager look for new volumes.
func RescanScript() DiskpartScript {
	return DiskpartScript{"rescan"}
}

// AssignScript forces a drive letter onto a partition.
func AssignScript(disk, partition int) DiskpartScript {
	return DiskpartScript{
		"rescan",
		fmt.Sprintf("select disk %d", disk),
		fmt.Sprintf("select partition %d", partition),
		"assign",
	}
}

// AutomountScript enables or disables automatic mounting of new volumes.
func AutomountScript(enable bool) DiskpartScript {
	if enable {
		return DiskpartScript{"automount enable noerr"}
	}
	return DiskpartScript{"automount disable noerr"}
}

// RunDiskpart writes the script to a temporary file and runs it with
// diskpart /s.
func RunDiskpart(ctx context.Context, script DiskpartScript) (Result, error) {
	f, err := os.CreateTemp("", "bootmedia-diskpart-*.txt")
	if err != nil {
		return Result{}, fmt.Errorf("cannot create diskpart script: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(script.String()); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("cannot write diskpart script: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("cannot write diskpart script: %w", err)
	}

	return Run(ctx, nil, DiskpartTool, "/s", f.Name())
}
