package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"proxyswitch/internal/shared/logger"
)

// FileStorage 将所有键保存在一个 JSON 文档中，写入时先写临时文件再重命名。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

func (fs *FileStorage) Load(_ context.Context, key string, out any) (bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	doc, err := fs.readDocument()
	if err != nil {
		return false, err
	}
	raw, ok := doc[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (fs *FileStorage) Save(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.readDocument()
	if err != nil {
		// 损坏的文件不应阻止写入，直接覆盖
		logger.WithComponent("ProxyPool/Storage").Warn().Err(err).Str("path", fs.filePath).Msg("State file unreadable, overwriting.")
		doc = make(map[string]json.RawMessage)
	}
	doc[key] = raw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.filePath), ".state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), fs.filePath)
}

// readDocument 读取整个状态文件，文件不存在时返回空文档。调用方需持有锁。
func (fs *FileStorage) readDocument() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", fs.filePath, err)
	}
	return doc, nil
}
