package logging

import (
	"fmt"
	"io"
	"os"
	"time"
)

// RotateIfNeeded rotates the log file once it exceeds maxSize bytes.
// The old file is kept with a timestamp suffix.
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.sink.mu.Lock()
	if l.sink.logFile == nil {
		l.sink.mu.Unlock()
		return nil
	}

	info, err := l.sink.logFile.Stat()
	if err != nil {
		l.sink.mu.Unlock()
		return err
	}
	if info.Size() <= maxSize {
		l.sink.mu.Unlock()
		return nil
	}

	oldPath := l.sink.logFile.Name()
	l.sink.logFile.Close()

	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(oldPath, backupPath); err != nil {
		l.sink.mu.Unlock()
		return err
	}

	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.sink.logFile = nil
		l.sink.output = os.Stdout
		l.sink.mu.Unlock()
		return err
	}
	l.sink.logFile = newFile
	l.sink.output = io.MultiWriter(newFile, os.Stdout)
	l.sink.mu.Unlock()

	l.Info(fmt.Sprintf("Log rotated: %s -> %s", oldPath, backupPath))
	return nil
}
