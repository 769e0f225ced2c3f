// Package jobfile reads provisioning jobs from YAML or TOML files.
//
// A minimal job in YAML:
//
//	source: D:\images\win11.iso
//	target: 2
//	single:
//	  scheme: gpt
//	  filesystem: fat32
//	  label: WIN11
//	options:
//	  quick_format: true
//	  split: ["sources/*.wim"]
package jobfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/osbuild/bootmedia/pkg/deploy"
)

// Load reads the job file at path. The format is chosen by the extension.
func Load(path string) (deploy.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return deploy.Job{}, err
	}
	defer f.Close()
	return Decode(f, filepath.Ext(path))
}

// Decode parses a job. ext is the file extension including the dot.
// Unknown keys are errors.
func Decode(r io.Reader, ext string) (deploy.Job, error) {
	var job deploy.Job
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&job); err != nil {
			return deploy.Job{}, fmt.Errorf("cannot decode yaml job: %w", err)
		}
	case ".toml":
		md, err := toml.NewDecoder(r).Decode(&job)
		if err != nil {
			return deploy.Job{}, fmt.Errorf("cannot decode toml job: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			var keys []string
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return deploy.Job{}, fmt.Errorf("unknown keys in toml job: %s", strings.Join(keys, ", "))
		}
	default:
		return deploy.Job{}, fmt.Errorf("unsupported job file extension %q, use .yaml, .yml or .toml", ext)
	}
	return job, nil
}
