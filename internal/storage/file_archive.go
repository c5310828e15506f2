package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/negotiation"
)

// FileArchive 把协商视图以 JSONL 追加写入本地文件，启动时回放到内存索引。
type FileArchive struct {
	mu       sync.RWMutex
	dataFile string
	views    map[string]negotiation.View
}

// NewFileArchive 在 dataDir 下创建或打开 negotiations.log。
func NewFileArchive(dataDir string) (*FileArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	archive := &FileArchive{
		dataFile: filepath.Join(dataDir, "negotiations.log"),
		views:    make(map[string]negotiation.View),
	}
	if err := archive.loadFromDisk(); err != nil {
		return nil, err
	}
	return archive, nil
}

// Save 追加一条记录，同一协商以最后一次写入为准。
func (a *FileArchive) Save(_ context.Context, view negotiation.View) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	encoded, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("序列化协商视图失败: %w", err)
	}

	file, err := os.OpenFile(a.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开归档日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档日志失败")
	}
	a.views[view.NegotiationID] = view
	return nil
}

// Get 返回归档的协商视图。
func (a *FileArchive) Get(_ context.Context, id string) (*negotiation.View, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	view, ok := a.views[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("协商 %s 未归档", id))
	}
	return &view, nil
}

// Close 无需释放资源。
func (a *FileArchive) Close() error { return nil }

func (a *FileArchive) loadFromDisk() error {
	file, err := os.OpenFile(a.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取归档日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var view negotiation.View
		if err := json.Unmarshal(scanner.Bytes(), &view); err != nil {
			continue
		}
		if view.NegotiationID == "" {
			continue
		}
		a.views[view.NegotiationID] = view
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析归档日志失败")
	}
	return nil
}
