package policy

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileRule mirrors Rule for YAML decoding of the rules file.
type fileRule struct {
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"`
}

type rulesFile struct {
	Rules    []fileRule `yaml:"rules"`
	Defaults []fileRule `yaml:"defaults"`
}

// LoadRulesFile parses a YAML rules file into a Rules snapshot.
func LoadRulesFile(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("policy: read rules file: %w", err)
	}

	var doc rulesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Rules{}, fmt.Errorf("policy: parse rules file: %w", err)
	}

	toRules := func(in []fileRule) ([]Rule, error) {
		out := make([]Rule, 0, len(in))
		for _, r := range in {
			action := Decision(r.Action)
			switch action {
			case Allow, Deny, Ask:
			default:
				return nil, fmt.Errorf("policy: rule %q: unknown action %q", r.Pattern, r.Action)
			}
			out = append(out, Rule{Pattern: r.Pattern, Action: action})
		}
		return out, nil
	}

	explicit, err := toRules(doc.Rules)
	if err != nil {
		return Rules{}, err
	}
	defaults, err := toRules(doc.Defaults)
	if err != nil {
		return Rules{}, err
	}

	return Rules{Explicit: explicit, Defaults: defaults}, nil
}

// Watcher reloads an Engine's rule set whenever its source file
// changes on disk, debouncing bursts of fs events (editors frequently
// emit several writes per save).
type Watcher struct {
	path     string
	engine   *Engine
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path for changes and swapping reloaded
// rules into engine. Call Close to stop.
func NewWatcher(path string, engine *Engine, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     path,
		engine:   engine,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var pending *time.Timer
	reload := func() {
		rules, err := LoadRulesFile(w.path)
		if err != nil {
			w.logger.Error("policy reload failed, keeping previous rule set", "path", w.path, "error", err)
			return
		}
		w.engine.SetRules(rules)
		w.logger.Info("policy rules reloaded", "path", w.path)
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

// ReloadNow forces a synchronous reload, bypassing the fs-event debounce.
func (w *Watcher) ReloadNow() error {
	rules, err := LoadRulesFile(w.path)
	if err != nil {
		return err
	}
	w.engine.SetRules(rules)
	return nil
}
