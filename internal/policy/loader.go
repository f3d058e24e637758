package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/store"
)

// FileLoader seeds a PolicyStore from a directory of YAML policy
// bundles and optionally hot-reloads on change, grounded in the pack's
// cedar-engine.go watchLoop/debounce pattern — but producing native
// store.Policy values rather than cedar or rego policies.
type FileLoader struct {
	dir      string
	policies store.PolicyStore
	onReload func()
	logger   *zap.Logger

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewFileLoader(dir string, policies store.PolicyStore, onReload func(), logger *zap.Logger) *FileLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onReload == nil {
		onReload = func() {}
	}
	return &FileLoader{dir: dir, policies: policies, onReload: onReload, logger: logger, stopCh: make(chan struct{})}
}

// yamlPolicy mirrors store.Policy's shape with plain interface{} in
// place of canon.Value, since yaml.v3 unmarshals into Go built-ins
// directly; Load converts each field via canon.New.
type yamlPolicy struct {
	ID                  string        `yaml:"id"`
	Priority            int           `yaml:"priority"`
	Active              bool          `yaml:"active"`
	CartridgeID         *string       `yaml:"cartridgeId"`
	OrganizationID      *string       `yaml:"organizationId"`
	Rule                yamlCondition `yaml:"rule"`
	Effect              string        `yaml:"effect"`
	ApprovalRequirement string        `yaml:"approvalRequirement"`
	Transform           map[string]interface{} `yaml:"transform"`
}

type yamlCondition struct {
	Field       string          `yaml:"field"`
	Operator    string          `yaml:"operator"`
	Value       interface{}     `yaml:"value"`
	Composition string          `yaml:"composition"`
	Children    []yamlCondition `yaml:"children"`
}

func (c yamlCondition) toCondition() (store.Condition, error) {
	out := store.Condition{
		Field:       c.Field,
		Operator:    c.Operator,
		Composition: c.Composition,
	}
	if c.Value != nil {
		v, err := canon.New(c.Value)
		if err != nil {
			return store.Condition{}, err
		}
		out.Value = v
	}
	for _, child := range c.Children {
		cc, err := child.toCondition()
		if err != nil {
			return store.Condition{}, err
		}
		out.Children = append(out.Children, cc)
	}
	return out, nil
}

func (y yamlPolicy) toPolicy() (store.Policy, error) {
	rule, err := y.Rule.toCondition()
	if err != nil {
		return store.Policy{}, fmt.Errorf("policy %s: rule: %w", y.ID, err)
	}
	p := store.Policy{
		ID:                  y.ID,
		Priority:            y.Priority,
		Active:              y.Active,
		CartridgeID:         y.CartridgeID,
		OrganizationID:      y.OrganizationID,
		Rule:                rule,
		Effect:              store.PolicyEffect(y.Effect),
		ApprovalRequirement: y.ApprovalRequirement,
	}
	if len(y.Transform) > 0 {
		p.Transform = make(map[string]canon.Value, len(y.Transform))
		for k, raw := range y.Transform {
			v, err := canon.New(raw)
			if err != nil {
				return store.Policy{}, fmt.Errorf("policy %s: transform.%s: %w", y.ID, k, err)
			}
			p.Transform[k] = v
		}
	}
	return p, nil
}

// Load reads every *.yaml/*.yml file under dir and upserts the
// policies it describes into the backing PolicyStore.
func (l *FileLoader) Load(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read policy dir %s: %w", l.dir, err)
	}

	var loaded int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var bundle struct {
			Policies []yamlPolicy `yaml:"policies"`
		}
		if err := yaml.Unmarshal(data, &bundle); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, yp := range bundle.Policies {
			p, err := yp.toPolicy()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := l.upsert(ctx, p); err != nil {
				return fmt.Errorf("%s: upsert policy %s: %w", path, p.ID, err)
			}
			loaded++
		}
	}

	l.logger.Info("policy bundle load complete", zap.String("dir", l.dir), zap.Int("policies", loaded))
	l.onReload()
	return nil
}

func (l *FileLoader) upsert(ctx context.Context, p store.Policy) error {
	if _, err := l.policies.Get(ctx, p.ID); err == nil {
		_, err := l.policies.Update(ctx, p)
		return err
	}
	_, err := l.policies.Create(ctx, p)
	return err
}

// StartWatching enables fsnotify-based hot-reload of the policy
// directory, debounced the same way the pack's cedar engine debounces
// rapid file saves.
func (l *FileLoader) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy dir %s: %w", l.dir, err)
	}
	l.watcher = watcher

	go l.watchLoop(ctx)
	l.logger.Info("policy hot-reload enabled", zap.String("dir", l.dir))
	return nil
}

func (l *FileLoader) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	const debounce = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounce, func() {
					if err := l.Load(ctx); err != nil {
						l.logger.Warn("policy hot-reload failed", zap.Error(err))
					}
				})
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("policy watcher error", zap.Error(err))
		case <-l.stopCh:
			return
		}
	}
}

// StopWatching stops the file watcher; safe to call multiple times.
func (l *FileLoader) StopWatching() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.watcher != nil {
			l.watcher.Close()
		}
	})
}
