// Package filter decides which executables are not tracked, using Sigma
// rules loaded from a directory that is watched for changes.
package filter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// UserResolver maps a uid to a login name
type UserResolver interface {
	Username(uid uint32) (string, error)
}

// fieldConfig maps rule fields onto the event keys built by Ignore.
func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "spycy ignore rules",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":     {TargetNames: []string{"Image"}},
			"User":      {TargetNames: []string{"Username"}},
			"ProcessId": {TargetNames: []string{"ProcessId"}},
		},
	}
}

// Filter holds the evaluators for every rule in a directory
type Filter struct {
	dir     string
	users   UserResolver
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New loads the rules in dir and starts watching it for changes
func New(dir string, users UserResolver, logger *zap.Logger) (*Filter, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	f := &Filter{
		dir:        dir,
		users:      users,
		logger:     logger,
		watcher:    watcher,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		done:       make(chan struct{}),
	}

	if err := f.Load(); err != nil {
		watcher.Close()
		return nil, err
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	f.wg.Add(1)
	go f.watch()
	return f, nil
}

// Load replaces the current rules with the rules found in the directory.
// Files that are not Sigma rules or fail to parse are skipped.
func (f *Filter) Load() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("failed to read rules directory: %w", err)
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}

		path := filepath.Join(f.dir, entry.Name())
		ev, err := loadRuleFile(path)
		if err != nil {
			f.logger.Warn("skipping rule file", zap.String("path", path), zap.Error(err))
			continue
		}

		key := ev.Rule.ID
		if key == "" {
			key = path
		}
		evaluators[key] = ev
		f.logger.Debug("loaded rule", zap.String("title", ev.Rule.Title), zap.String("id", key))
	}

	f.mu.Lock()
	f.evaluators = evaluators
	f.mu.Unlock()

	f.logger.Info("loaded ignore rules", zap.Int("count", len(evaluators)), zap.String("dir", f.dir))
	return nil
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

func loadRuleFile(path string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("not a sigma rule")
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}

	return evaluator.ForRule(rule, evaluator.WithConfig(fieldConfig())), nil
}

func (f *Filter) watch() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			f.logger.Info("rule change detected", zap.String("path", event.Name), zap.Stringer("op", event.Op))
			if err := f.Load(); err != nil {
				f.logger.Error("failed to reload rules", zap.Error(err))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Ignore reports whether any rule matches the process.
func (f *Filter) Ignore(ctx context.Context, exePath string, uid uint32, pid uint32) bool {
	username, err := f.users.Username(uid)
	if err != nil {
		f.logger.Debug("evaluating rules without username", zap.Uint32("uid", uid), zap.Error(err))
	}

	event := map[string]interface{}{
		"Image":     exePath,
		"Username":  username,
		"ProcessId": strconv.FormatUint(uint64(pid), 10),
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for id, ev := range f.evaluators {
		result, err := ev.Matches(ctx, event)
		if err != nil {
			f.logger.Warn("failed to evaluate rule", zap.String("id", id), zap.Error(err))
			continue
		}
		if result.Match {
			f.logger.Debug("process matched ignore rule",
				zap.String("rule", ev.Rule.Title),
				zap.String("exe", exePath),
				zap.Uint32("pid", pid))
			return true
		}
	}
	return false
}

// Rules returns the titles of the loaded rules, sorted.
func (f *Filter) Rules() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	titles := make([]string, 0, len(f.evaluators))
	for _, ev := range f.evaluators {
		titles = append(titles, ev.Rule.Title)
	}
	sort.Strings(titles)
	return titles
}

// Close stops watching the rules directory.
func (f *Filter) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.watcher.Close()
		f.wg.Wait()
	})
	return err
}
