package routing

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// Observer receives rule refresh outcomes for accounting.
type Observer interface {
	RuleUpdate(source, outcome string)
}

// Reloader keeps file and URL rules fresh: URL rules are refetched on a
// ticker with body-hash change detection, file rules are rebuilt when
// the underlying file changes on disk. A refresh failure retains the
// rule's last good matcher.
type Reloader struct {
	client   *http.Client
	interval time.Duration
	obs      Observer

	urlRules  []*Rule
	fileRules map[string]*Rule

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewReloader builds a reloader over the router's file and URL rules.
// obs may be nil.
func NewReloader(rt *Router, client *http.Client, interval time.Duration, obs Observer) *Reloader {
	r := &Reloader{
		client:    client,
		interval:  interval,
		obs:       obs,
		fileRules: make(map[string]*Rule),
		stop:      make(chan struct{}),
	}

	for _, rule := range rt.Rules() {
		switch rule.Source() {
		case TypeURL:
			r.urlRules = append(r.urlRules, rule)
		case TypeFile:
			r.fileRules[rule.spec.Path] = rule
		}
	}

	return r
}

// Start launches the refresh loops. It is a no-op when the router has no
// reloadable rules.
func (r *Reloader) Start() {
	if len(r.urlRules) > 0 && r.interval > 0 {
		r.wg.Add(1)
		go r.urlLoop()
	}

	if len(r.fileRules) > 0 {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			zlog.Warn("File rule watcher unavailable", "error", err.Error())
			return
		}

		for path := range r.fileRules {
			if err := watcher.Add(path); err != nil {
				zlog.Warn("Cannot watch rule file", "path", path, "error", err.Error())
			}
		}

		r.wg.Add(1)
		go r.fileLoop(watcher)
	}
}

// Stop terminates the refresh loops and waits for them to exit.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Reloader) urlLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RefreshURLRules()
		case <-r.stop:
			return
		}
	}
}

// RefreshURLRules refetches every URL rule once.
func (r *Reloader) RefreshURLRules() {
	for _, rule := range r.urlRules {
		err := rule.reloadFromURL(r.client)

		switch {
		case err == nil:
			zlog.Info("Rule source updated", "url", rule.spec.URL, "group", rule.Group())
			r.observe(TypeURL, "ok")
		case errors.Is(err, errUnchanged):
			zlog.Debug("Rule source unchanged", "url", rule.spec.URL)
			r.observe(TypeURL, "unchanged")
		default:
			zlog.Warn("Rule source refresh failed, keeping previous rules", "url", rule.spec.URL, "error", err.Error())
			r.observe(TypeURL, "error")
		}
	}
}

func (r *Reloader) fileLoop(watcher *fsnotify.Watcher) {
	defer r.wg.Done()
	defer watcher.Close()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}

			rule, ok := r.fileRules[event.Name]
			if !ok {
				continue
			}

			if err := rule.reloadFromFile(); err != nil {
				zlog.Warn("Rule file reload failed, keeping previous rules", "path", event.Name, "error", err.Error())
				r.observe(TypeFile, "error")
				continue
			}

			zlog.Info("Rule file reloaded", "path", event.Name, "group", rule.Group())
			r.observe(TypeFile, "ok")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn("Rule file watcher error", "error", err.Error())

		case <-r.stop:
			return
		}
	}
}

func (r *Reloader) observe(source, outcome string) {
	if r.obs != nil {
		r.obs.RuleUpdate(source, outcome)
	}
}
