package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/yaml"
)

const (
	plansDirName      = "plans"
	plansArchiveDir   = "archive"
	intakeDebounceSec = 0.5
)

// SubmitFunc hands a parsed plan to the runtime. ErrBusy keeps the file
// in place for a later scan; any other outcome archives it.
type SubmitFunc func(ctx context.Context, plan model.Plan) error

// Intake watches <stateDir>/plans for plan YAML files. New or changed
// files are parsed, submitted, and archived; files that fail to parse are
// quarantined. A periodic scan backstops missed filesystem events.
type Intake struct {
	cfg      model.IntakeConfig
	stateDir string
	plansDir string
	submit   SubmitFunc
	logger   *logging.Logger

	watcher *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	scanMu sync.Mutex
	ctx    context.Context
}

func NewIntake(cfg model.IntakeConfig, stateDir string, submit SubmitFunc, logger *logging.Logger) *Intake {
	return &Intake{
		cfg:      cfg,
		stateDir: stateDir,
		plansDir: filepath.Join(stateDir, plansDirName),
		submit:   submit,
		logger:   logger,
	}
}

// Start creates the plans directory, begins watching it, and runs an
// initial scan. Background loops are tracked on the caller's WaitGroup
// and stop when ctx is cancelled.
func (in *Intake) Start(ctx context.Context, wg *sync.WaitGroup) error {
	in.ctx = ctx

	for _, dir := range []string{in.plansDir, filepath.Join(in.plansDir, plansArchiveDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(in.plansDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", in.plansDir, err)
	}
	in.watcher = watcher

	wg.Add(2)
	go in.watchLoop(ctx, wg)
	go in.tickerLoop(ctx, wg)

	in.Scan()
	in.logger.Infof("intake_ready dir=%s scan_interval=%ds", in.plansDir, in.cfg.ScanIntervalSec)
	return nil
}

func (in *Intake) watchLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer in.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				in.logger.Debugf("fs_event op=%s file=%s", event.Op, event.Name)
				in.debounceScan()
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Errorf("watcher_error error=%v", err)
		}
	}
}

func (in *Intake) tickerLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(time.Duration(in.cfg.ScanIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.Scan()
		}
	}
}

// debounceScan coalesces bursts of filesystem events into one scan.
func (in *Intake) debounceScan() {
	in.debounceMu.Lock()
	defer in.debounceMu.Unlock()

	if in.debounceTimer != nil {
		in.debounceTimer.Stop()
	}
	in.debounceTimer = time.AfterFunc(
		time.Duration(intakeDebounceSec*float64(time.Second)),
		in.Scan,
	)
}

// Scan processes every plan file currently in the intake directory, in
// name order. One scan runs at a time.
func (in *Intake) Scan() {
	in.scanMu.Lock()
	defer in.scanMu.Unlock()

	entries, err := os.ReadDir(in.plansDir)
	if err != nil {
		in.logger.Errorf("scan_read_dir error=%v", err)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isPlanFile(name) {
			continue
		}
		if in.ctx != nil && in.ctx.Err() != nil {
			return
		}
		in.processFile(filepath.Join(in.plansDir, name))
	}
}

func isPlanFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (in *Intake) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		in.logger.Errorf("plan_read file=%s error=%v", filepath.Base(path), err)
		return
	}

	var plan model.Plan
	if err := yamlv3.Unmarshal(data, &plan); err != nil {
		in.quarantine(path, err)
		return
	}
	if len(plan.Tasks) == 0 {
		in.quarantine(path, errors.New("plan has no tasks"))
		return
	}
	if plan.ID == "" {
		id, err := model.GenerateID(model.IDTypePlan)
		if err != nil {
			in.logger.Errorf("plan_id file=%s error=%v", filepath.Base(path), err)
			return
		}
		plan.ID = id
	}

	err = in.submit(in.ctx, plan)
	if errors.Is(err, ErrBusy) {
		// Leave the file for the next scan.
		in.logger.Debugf("plan_deferred file=%s", filepath.Base(path))
		return
	}
	if err != nil {
		in.logger.Errorf("plan_failed id=%s file=%s error=%v", plan.ID, filepath.Base(path), err)
	} else {
		in.logger.Infof("plan_executed id=%s file=%s", plan.ID, filepath.Base(path))
	}
	in.archive(path)
}

// archive moves a processed plan file out of the intake directory so it
// is submitted exactly once.
func (in *Intake) archive(path string) {
	name := fmt.Sprintf("%s.%s", time.Now().UTC().Format("20060102_150405"), filepath.Base(path))
	dest := filepath.Join(in.plansDir, plansArchiveDir, name)
	if err := os.Rename(path, dest); err != nil {
		in.logger.Errorf("plan_archive file=%s error=%v", filepath.Base(path), err)
	}
}

func (in *Intake) quarantine(path string, cause error) {
	in.logger.Errorf("plan_corrupt file=%s error=%v", filepath.Base(path), cause)
	if _, err := yaml.Quarantine(in.stateDir, path); err != nil {
		in.logger.Errorf("plan_quarantine file=%s error=%v", filepath.Base(path), err)
	}
}
