package service

// Crash stops the engine the way a killed process would: workers stop
// mid-pass, buffered log frames are dropped and nothing is sealed or
// synced.
func (s *StorageService) Crash() {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		s.closed.Store(true)
		s.compaction.Stop()
		s.collector.Stop()
		s.commitLog.crash()
		s.datafiles.closeAll(false)
	})
}

func (s *CommitLogService) crash() {
	s.stop()

	s.ioMu.Lock()
	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
	s.mu.Lock()
	s.buf = nil
	s.bufCount = 0
	s.mu.Unlock()
	s.ioMu.Unlock()

	s.markClosed()
}
