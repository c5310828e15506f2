package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"AgentResonance/pkg/logger"
)

// SeedFile models the structure of the agent seed file (configs/agents.yaml).
type SeedFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadSeedFile parses the YAML file containing agent profiles.
func LoadSeedFile(path string) ([]Agent, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 agent 目录文件失败: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return nil, fmt.Errorf("解析 agent 目录文件失败: %w", err)
	}
	for i, a := range seed.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return nil, fmt.Errorf("agent 目录文件第 %d 项缺少 id", i+1)
		}
	}
	return seed.Agents, nil
}

// Sync registers every agent from path whose record differs from the
// directory's latest one. It returns the number of appended records.
func (d *Directory) Sync(ctx context.Context, path string) (int, error) {
	agents, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	appended := 0
	for _, a := range agents {
		if current, ok := d.Get(a.ID); ok && sameProfile(current, a) {
			continue
		}
		if _, err := d.Register(ctx, a); err != nil {
			return appended, err
		}
		appended++
	}
	return appended, nil
}

func sameProfile(current, next Agent) bool {
	if current.DisplayName != next.DisplayName || current.Summary != next.Summary {
		return false
	}
	if !reflect.DeepEqual(nonNil(current.Capabilities), nonNil(next.Capabilities)) {
		return false
	}
	if !reflect.DeepEqual(nonNil(current.Scopes), nonNil(next.Scopes)) {
		return false
	}
	if len(current.Fields) != len(next.Fields) {
		return false
	}
	for k, v := range next.Fields {
		if current.Fields[k] != v {
			return false
		}
	}
	if len(next.Vector) > 0 && !reflect.DeepEqual(current.Vector, next.Vector) {
		return false
	}
	return true
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Watch re-syncs path whenever it changes until ctx is cancelled. The
// containing directory is watched so editors that replace the file are seen.
func (d *Directory) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("监听目录失败: %w", err)
	}

	log := logger.Named("directory")
	target := filepath.Clean(path)

	var (
		debounce *time.Timer
		fire     = make(chan struct{}, 1)
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			n, err := d.Sync(ctx, path)
			if err != nil {
				log.Warn("agent 目录重新加载失败", slog.String("path", path), slog.Any("error", err))
				continue
			}
			if n > 0 {
				log.Info("agent 目录已追加记录", slog.Int("appended", n), slog.Int("version", d.Version()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("文件监听异常", slog.Any("error", err))
		}
	}
}
