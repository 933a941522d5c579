package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"tether/internal/config"
	"tether/internal/instance"
	"tether/internal/logging"
	"tether/internal/store"
	"tether/internal/transport"
	"tether/internal/types"
)

const version = "dev"

// engine is the wiring a command runs against: config, logger, persisted
// listing and the instance registry.
type engine struct {
	cfg      config.Config
	logger   logging.Logger
	repo     store.Repository
	registry *instance.Registry
	closers  []io.Closer
}

func openEngine(wiring commandWiring, flags *rootFlags, opts ...instance.Option) (*engine, error) {
	cfg, err := wiring.loadConfig()
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg}

	level := cfg.LogLevel()
	if flags != nil && strings.TrimSpace(flags.logLevel) != "" {
		level = flags.logLevel
	}
	logFile, err := cfg.LogFile()
	if err != nil {
		return nil, err
	}
	if logFile == "" {
		e.logger = logging.New(wiring.stderr, logging.ParseLevel(level))
	} else {
		logger, closer, err := logging.NewFile(logFile, logging.ParseLevel(level))
		if err != nil {
			return nil, err
		}
		e.logger = logger
		e.closers = append(e.closers, closer)
	}

	dbPath, err := cfg.DBPath()
	if err != nil {
		e.Close()
		return nil, err
	}
	repo, err := wiring.openRepository(dbPath)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open listing %s: %w", dbPath, err)
	}
	e.repo = repo

	opts = append([]instance.Option{
		instance.WithLogger(e.logger),
		instance.WithRepository(repo),
	}, opts...)
	e.registry = instance.NewRegistry(instance.Config{
		Transport: transport.Config{
			MaxAttempts: cfg.MaxAttempts(),
			BackoffStep: cfg.BackoffStep(),
			BackoffMax:  cfg.BackoffMax(),
		},
		EventPath:      cfg.EventPath(),
		RequestTimeout: cfg.RequestTimeout(),
		Username:       cfg.Username(),
	}, opts...)
	return e, nil
}

// attach connects the configured instance id.
func (e *engine) attach(ctx context.Context, id string) (*instance.Instance, error) {
	inst, ok := e.cfg.Instance(id)
	if !ok {
		return nil, fmt.Errorf("instance %q is not configured", id)
	}
	return e.registry.Create(ctx, instance.Spec{
		ID:        strings.TrimSpace(inst.ID),
		BaseURL:   inst.BaseURL,
		Directory: inst.Directory,
		Token:     inst.Token,
	})
}

func (e *engine) Close() {
	if e.registry != nil {
		e.registry.Close()
	}
	if e.repo != nil {
		_ = e.repo.Close()
	}
	for _, closer := range e.closers {
		_ = closer.Close()
	}
}

func printSessions(output io.Writer, sessions []*types.Session) {
	sessions = append([]*types.Session(nil), sessions...)
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt().After(sessions[j].UpdatedAt())
	})
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATE\tUPDATED\tPARENT\tTITLE")
	for _, session := range sessions {
		updated := "-"
		if at := session.UpdatedAt(); !at.IsZero() {
			updated = at.Local().Format(time.DateTime)
		}
		parent := session.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", session.ID, sessionState(session), updated, parent, session.Title)
	}
	_ = writer.Flush()
}

func sessionState(session *types.Session) string {
	switch {
	case session.Error != "":
		return "error"
	case session.Compacting:
		return "compacting"
	case session.Busy:
		return "busy"
	default:
		return "idle"
	}
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		var revision string
		var modified string
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.modified":
				modified = setting.Value
			}
		}
		if revision != "" {
			if modified == "true" {
				return revision + "-dirty"
			}
			return revision
		}
	}

	exe, err := os.Executable()
	if err == nil {
		file, err := os.Open(exe)
		if err == nil {
			defer file.Close()
			hasher := sha256.New()
			if _, err := io.Copy(hasher, file); err == nil {
				sum := hasher.Sum(nil)
				return fmt.Sprintf("bin-%x", sum[:6])
			}
		}
	}

	return version
}
