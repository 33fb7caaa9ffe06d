// Package slurm launches ParaView servers as Slurm batch jobs. Jobs are
// found again after a restart by their name prefix, so no local state is
// kept.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/tomyedwab/vizhub/vizhub/compute"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

// Name is the registry key of this backend.
const Name = "slurm"

const (
	defaultJobPrefix  = "vizhub-"
	defaultServerPort = 11111
	squeueFormat      = "%i|%j|%a|%P|%D|%l|%T|%N|%V|%u"
	squeueTimeLayout  = "2006-01-02T15:04:05"
)

// DefaultScript is the batch script used when no template path is set.
const DefaultScript = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
{{- if .Account}}
#SBATCH --account={{.Account}}
{{- end}}
{{- if .Partition}}
#SBATCH --partition={{.Partition}}
{{- end}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --time={{.TimeLimit}}
srun pvserver --server-port={{.Port}}
`

func init() {
	compute.Register(Name, func(config compute.Config) (compute.Backend, error) {
		return New(Config{
			SlurmConfig:   config.Slurm,
			User:          config.User,
			HomeDirectory: config.HomeDirectory,
			Logger:        config.Logger,
		})
	})
}

// Config holds configuration options for the slurm Backend.
type Config struct {
	compute.SlurmConfig
	User          string
	HomeDirectory string
	Runner        Runner // Optional, defaults to ExecRunner
	Logger        *slog.Logger
}

// ScriptData is the data the job script template is executed with.
type ScriptData struct {
	JobName   string
	Account   string
	Partition string
	Nodes     int
	TimeLimit string
	Port      int
}

// Backend talks to Slurm through its CLI tools.
type Backend struct {
	config Config
	script *template.Template
	runner Runner
	logger *slog.Logger
}

// New creates a slurm Backend. A configured script template is parsed here
// so a broken template fails at startup, not at the first launch.
func New(config Config) (*Backend, error) {
	if config.JobPrefix == "" {
		config.JobPrefix = defaultJobPrefix
	}
	if config.ServerPort == 0 {
		config.ServerPort = defaultServerPort
	}
	if config.Sbatch == "" {
		config.Sbatch = "sbatch"
	}
	if config.Squeue == "" {
		config.Squeue = "squeue"
	}
	if config.Sacctmgr == "" {
		config.Sacctmgr = "sacctmgr"
	}
	if config.Scancel == "" {
		config.Scancel = "scancel"
	}
	runner := config.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	text := DefaultScript
	if config.ScriptTemplatePath != "" {
		data, err := os.ReadFile(config.ScriptTemplatePath)
		if err != nil {
			return nil, types.ConfigurationError("read job script template", config.ScriptTemplatePath, err)
		}
		text = string(data)
	}
	script, err := template.New("job").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, types.ConfigurationError("parse job script template", config.ScriptTemplatePath, err)
	}

	return &Backend{
		config: config,
		script: script,
		runner: runner,
		logger: compute.LoggerOrDefault(config.Logger).With("component", "SlurmBackend"),
	}, nil
}

// run executes cmd and turns a nonzero exit into an ExitStatusError.
func (b *Backend) run(ctx context.Context, cmd Command) (string, error) {
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	if res.ExitCode != 0 {
		b.logger.Warn("Scheduler command failed", "command", cmd.String(), "exitCode", res.ExitCode, "stderr", res.Stderr)
		return "", &compute.ExitStatusError{Command: cmd.Name, Code: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res.Stdout, nil
}

// GetRunningServers lists the user's queued and running jobs whose name
// carries the job prefix.
func (b *Backend) GetRunningServers(ctx context.Context) ([]types.ParaViewServer, error) {
	out, err := b.run(ctx, Command{
		Name: b.config.Squeue,
		Args: []string{"--me", "--noheader", "--format=" + squeueFormat},
	})
	if err != nil {
		return nil, types.BackendError("list slurm jobs", err)
	}

	servers := []types.ParaViewServer{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		server, ok := b.parseSqueueLine(line)
		if !ok {
			continue
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func (b *Backend) parseSqueueLine(line string) (types.ParaViewServer, bool) {
	fields := strings.Split(line, "|")
	if len(fields) != 10 {
		b.logger.Warn("Unexpected squeue line", "line", line)
		return types.ParaViewServer{}, false
	}
	if !strings.HasPrefix(fields[1], b.config.JobPrefix) {
		return types.ParaViewServer{}, false
	}

	nodes, _ := strconv.Atoi(fields[4])
	server := types.ParaViewServer{
		JobID:     fields[0],
		Name:      strings.TrimPrefix(fields[1], b.config.JobPrefix),
		Account:   fields[2],
		Partition: fields[3],
		Nodes:     nodes,
		TimeLimit: fields[5],
		State:     fields[6],
		Owner:     fields[9],
	}
	// The node list is "(None)" or a reason while the job is pending.
	if host := firstHost(fields[7]); host != "" {
		server.Host = host
		server.Port = b.config.ServerPort
	}
	if t, err := time.ParseInLocation(squeueTimeLayout, fields[8], time.Local); err == nil {
		server.SubmittedAt = t
	}
	return server, true
}

// firstHost returns the first node of a simple Slurm node list. Compressed
// ranges like "node[01-04]" are expanded to their first member.
func firstHost(nodeList string) string {
	if nodeList == "" || strings.HasPrefix(nodeList, "(") {
		return ""
	}
	if i := strings.IndexByte(nodeList, ','); i >= 0 && !strings.Contains(nodeList[:i], "[") {
		return nodeList[:i]
	}
	open := strings.IndexByte(nodeList, '[')
	if open < 0 {
		return nodeList
	}
	rest := nodeList[open+1:]
	end := strings.IndexAny(rest, "-,]")
	if end < 0 {
		return ""
	}
	return nodeList[:open] + rest[:end]
}

// Script renders the batch script for opts.
func (b *Backend) Script(opts types.ParaViewOptions) (string, error) {
	var buf bytes.Buffer
	err := b.script.Execute(&buf, ScriptData{
		JobName:   b.config.JobPrefix + opts.Name,
		Account:   opts.Account,
		Partition: opts.Partition,
		Nodes:     opts.Nodes,
		TimeLimit: opts.TimeLimit,
		Port:      b.config.ServerPort,
	})
	if err != nil {
		return "", fmt.Errorf("render job script: %w", err)
	}
	return buf.String(), nil
}

// LaunchParaView submits the job script through sbatch. The exit code and
// stderr of a rejected submission are returned as the status.
func (b *Backend) LaunchParaView(ctx context.Context, opts types.ParaViewOptions) types.LaunchStatus {
	if err := compute.ValidateOptions(opts); err != nil {
		return compute.Status(err, "")
	}
	script, err := b.Script(opts)
	if err != nil {
		return compute.Status(err, "")
	}

	out, err := b.run(ctx, Command{Name: b.config.Sbatch, Args: []string{"--parsable"}, Stdin: script})
	if err != nil {
		return compute.Status(err, "")
	}
	// --parsable prints "jobid" or "jobid;cluster".
	jobID, _, _ := strings.Cut(strings.TrimSpace(out), ";")
	b.logger.Info("ParaView job submitted", "jobID", jobID, "name", opts.Name)
	return compute.Status(nil, "Submitted batch job "+jobID)
}

// Cancel runs scancel for a job this hub launched. Jobs without the prefix
// are refused so the hub cannot cancel the user's unrelated work.
func (b *Backend) Cancel(ctx context.Context, jobID string) error {
	servers, err := b.GetRunningServers(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, s := range servers {
		if s.JobID == jobID {
			found = true
			break
		}
	}
	if !found {
		return types.NotFoundError("cancel slurm job", jobID)
	}

	if _, err := b.run(ctx, Command{Name: b.config.Scancel, Args: []string{jobID}}); err != nil {
		return types.BackendError("cancel slurm job", err)
	}
	b.logger.Info("ParaView job cancelled", "jobID", jobID)
	return nil
}

// GetUserData combines the OS user with the account/partition pairs
// sacctmgr knows for them.
func (b *Backend) GetUserData(ctx context.Context) (*types.UserData, error) {
	data, err := compute.CurrentUser(compute.Config{User: b.config.User, HomeDirectory: b.config.HomeDirectory})
	if err != nil {
		return nil, err
	}

	out, err := b.run(ctx, Command{
		Name: b.config.Sacctmgr,
		Args: []string{"show", "assoc", "user=" + data.Name, "format=account,partition", "-P", "-n"},
	})
	if err != nil {
		return nil, types.BackendError("list slurm associations", err)
	}

	seen := make(map[types.AccountPartition]bool)
	data.Accounts = []types.AccountPartition{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		account, partition, _ := strings.Cut(line, "|")
		ap := types.AccountPartition{Account: account, Partition: partition}
		if account == "" || seen[ap] {
			continue
		}
		seen[ap] = true
		data.Accounts = append(data.Accounts, ap)
	}
	return data, nil
}

var (
	_ compute.Backend  = (*Backend)(nil)
	_ compute.Canceler = (*Backend)(nil)
)
