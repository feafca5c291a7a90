package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
)

// reloadDelay ждёт после события файловой системы, редакторы пишут файл в несколько приёмов.
const reloadDelay = 200 * time.Millisecond

// Watch следит за файлом настроек и применяет внешние правки к live до отмены ctx.
// Некорректный документ логируется, live остаётся прежним.
func (f *FileStore) Watch(ctx context.Context, live *Live) error {
	log := logger.New("config")
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer w.Close()
	// Каталог, а не файл: Backup и редакторы заменяют файл через rename.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	name := filepath.Clean(f.path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch %s: %v", f.path, err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(reloadDelay)
		case <-pending:
			pending = nil
			s, err := Load(f.path)
			if err != nil {
				log.Error("reload %s: %v", f.path, err)
				continue
			}
			if reflect.DeepEqual(s, live.Document()) {
				continue
			}
			if err := live.Replace(s); err != nil {
				log.Error("reload %s: %v", f.path, err)
				continue
			}
			log.Info("settings reloaded from %s", f.path)
		}
	}
}
