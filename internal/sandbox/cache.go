package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// profileExt: расширение файлов профилей в каталоге кэша
const profileExt = ".sb"

// Cache: контентно-адресуемый кэш скомпилированных профилей.
// Ключ: отпечаток конфига, артефакт: файл <dir>/<fingerprint>.sb, переживающий перезапуск.
type Cache struct {
	dir     string
	mu      sync.RWMutex
	entries map[string]Profile
	group   singleflight.Group
	logger  *zap.Logger
	metrics *Metrics
}

// NewCache создает кэш. Пустой dir: профили живут только в памяти.
func NewCache(dir string, logger *zap.Logger, metrics *Metrics) *Cache {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cache{
		dir:     dir,
		entries: make(map[string]Profile),
		logger:  logger.With(zap.String("mod", "sandbox-cache")),
		metrics: metrics,
	}
}

// GetOrCreate возвращает профиль для конфига, компилируя его не больше одного раза на отпечаток.
// Конкурентные запросы одного отпечатка схлопываются в одну компиляцию.
func (c *Cache) GetOrCreate(ctx context.Context, cfg domain.SandboxConfig) (Profile, error) {
	fp := Fingerprint(cfg)
	if p, ok := c.lookup(fp); ok {
		c.metrics.Lookups.WithLabelValues("hit").Inc()
		return p, nil
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	v, err, _ := c.group.Do(fp, func() (any, error) {
		if p, ok := c.lookup(fp); ok {
			c.metrics.Lookups.WithLabelValues("hit").Inc()
			return p, nil
		}
		if p, ok := c.loadFromDisk(fp); ok {
			c.metrics.Lookups.WithLabelValues("disk").Inc()
			c.store(p)
			return p, nil
		}

		c.metrics.Lookups.WithLabelValues("miss").Inc()
		start := time.Now()
		p, err := Compile(cfg)
		c.metrics.CompileDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.CompileErrors.Inc()
			return Profile{}, err
		}
		if c.dir != "" {
			path, err := c.write(p)
			if err != nil {
				return Profile{}, fmt.Errorf("write profile: %w", err)
			}
			p.Path = path
		}
		c.store(p)
		c.logger.Debug("sandbox profile compiled", zap.String("fingerprint", fp), zap.String("path", p.Path))
		return p, nil
	})
	if err != nil {
		return Profile{}, err
	}
	return v.(Profile), nil
}

func (c *Cache) lookup(fp string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[fp]
	return p, ok
}

func (c *Cache) store(p Profile) {
	c.mu.Lock()
	c.entries[p.Fingerprint] = p
	size := len(c.entries)
	c.mu.Unlock()
	c.metrics.Entries.Set(float64(size))
}

func (c *Cache) pathFor(fp string) string {
	return filepath.Join(c.dir, fp+profileExt)
}

func (c *Cache) loadFromDisk(fp string) (Profile, bool) {
	if c.dir == "" {
		return Profile{}, false
	}
	path := c.pathFor(fp)
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, false
	}
	return Profile{Fingerprint: fp, Text: string(data), Path: path}, true
}

// write пишет профиль атомарно: временный файл + rename. Гонка двух писателей безопасна,
// так как оба пишут одинаковые байты.
func (c *Cache) write(p Profile) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(c.dir, p.Fingerprint+".*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(p.Text); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}
	path := c.pathFor(p.Fingerprint)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// Len: число профилей в памяти.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
