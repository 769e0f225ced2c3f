package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/osbuild/bootmedia/pkg/datasizes"
	"github.com/osbuild/bootmedia/pkg/deploy"
	"github.com/osbuild/bootmedia/pkg/disk"
	"github.com/osbuild/bootmedia/pkg/jobfile"
	"github.com/osbuild/bootmedia/pkg/progress"
)

// jobFromFlags builds the job from the job file, the arguments and the
// flags, in increasing order of precedence.
func jobFromFlags(cmd *cobra.Command, args []string) (deploy.Job, error) {
	var job deploy.Job
	flags := cmd.Flags()

	jobPath, err := flags.GetString("job")
	if err != nil {
		return job, err
	}
	if jobPath != "" {
		job, err = jobfile.Load(jobPath)
		if err != nil {
			return job, err
		}
	}
	if len(args) > 0 {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return job, fmt.Errorf("invalid disk index %q: %w", args[0], err)
		}
		job.TargetDevice = index
	}
	if len(args) > 1 {
		job.SourceImagePath = args[1]
	}

	if flags.Changed("strategy") {
		s, _ := flags.GetString("strategy")
		kind, err := deploy.NewStrategyKind(s)
		if err != nil {
			return job, err
		}
		job.Strategy = kind
	}
	if flags.Changed("scheme") {
		s, _ := flags.GetString("scheme")
		pt, err := disk.NewPartitionTableType(s)
		if err != nil {
			return job, err
		}
		job.Single.Scheme = pt
	}
	if flags.Changed("filesystem") {
		s, _ := flags.GetString("filesystem")
		fs, err := disk.NewFSType(s)
		if err != nil {
			return job, err
		}
		job.Single.FSType = fs
	}
	if flags.Changed("label") {
		job.Single.Label, _ = flags.GetString("label")
	}
	if flags.Changed("partition") {
		strs, _ := flags.GetStringArray("partition")
		parts, err := parsePartitions(strs)
		if err != nil {
			return job, err
		}
		job.Layout = &disk.Layout{Type: disk.PT_GPT, Partitions: parts}
	}

	opts := &job.Options
	// job files default to a full format unless they say otherwise
	if flags.Changed("quick") || jobPath == "" {
		opts.QuickFormat, _ = flags.GetBool("quick")
	}
	for name, dst := range map[string]*datasizes.Size{
		"cluster-size": &opts.ClusterSize,
		"persistence":  &opts.PersistenceSize,
	} {
		if !flags.Changed(name) {
			continue
		}
		s, _ := flags.GetString(name)
		size, err := datasizes.Parse(s)
		if err != nil {
			return job, fmt.Errorf("invalid --%s: %w", name, err)
		}
		*dst = datasizes.Size(size)
	}
	for name, dst := range map[string]*bool{
		"win11-bypass": &opts.Win11Bypass,
		"skip-verify":  &opts.SkipVerify,
		"allow-unsafe": &opts.AllowUnsafe,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}
	if flags.Changed("split") {
		opts.SplitPatterns, _ = flags.GetStringArray("split")
	}
	if flags.Changed("exclude") {
		opts.Exclude, _ = flags.GetStringArray("exclude")
	}
	if flags.Changed("mount-timeout") {
		opts.MountTimeout, _ = flags.GetDuration("mount-timeout")
	}
	return job, nil
}

func cmdWrite(cmd *cobra.Command, args []string) error {
	job, err := jobFromFlags(cmd, args)
	if err != nil {
		return err
	}
	p, err := openPlatform(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var report progress.Reporter = progress.Discard
	wait := func() {}
	if noProgress, _ := cmd.Flags().GetBool("no-progress"); !noProgress {
		report, wait = newProgressBar(ctx, osStdout)
	}
	res := deploy.New(p).Run(ctx, job, report)
	wait()

	for _, w := range res.Warnings {
		fmt.Fprintf(osStdout, "warning: %v\n", w)
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	fmt.Fprintln(osStdout, res.Message)
	return nil
}
