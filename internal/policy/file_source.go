package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// rulesFile: формат YAML-файла с правилами
type rulesFile struct {
	Rules []domain.PolicyRule `yaml:"rules"`
}

// FileSource читает правила из YAML-файла.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Path() string { return s.path }

// LoadRules читает файл целиком. Правила без id получают детерминированный UUID от имени,
// чтобы PolicyID был стабилен между перезагрузками.
func (s *FileSource) LoadRules(_ context.Context) ([]domain.PolicyRule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules разбирает YAML-документ вида `rules: [...]`.
func ParseRules(data []byte) ([]domain.PolicyRule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i := range f.Rules {
		if f.Rules[i].ID == "" && f.Rules[i].Name != "" {
			f.Rules[i].ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(f.Rules[i].Name)).String()
		}
	}
	return f.Rules, nil
}

// defaultDebounce гасит серию событий от одного сохранения файла
const defaultDebounce = 200 * time.Millisecond

// Watch следит за файлом правил и вызывает onChange после каждой записи (с дебаунсом).
// Следим за каталогом: редакторы часто сохраняют через rename, и вотч на сам файл теряется.
// Блокируется до отмены ctx.
func (s *FileSource) Watch(ctx context.Context, logger *zap.Logger, onChange func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log := logger.With(zap.String("mod", "rules-watcher"), zap.String("path", s.path))
	log.Info("rules file watcher started")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			log.Info("rules file watcher stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(defaultDebounce, func() {
				if err := onChange(ctx); err != nil {
					log.Error("rules reload failed", zap.Error(err))
					return
				}
				log.Info("rules reloaded", zap.String("op", ev.Op.String()))
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Warn("rules watcher error", zap.Error(err))
		}
	}
}
