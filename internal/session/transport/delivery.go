package transport

import "go.uber.org/zap"

// task is a callback invocation bound to the subscription epoch it was
// produced in.
type task struct {
	epoch uint64
	fn    func()
}

func (m *Manager) post(epoch uint64, fn func()) {
	m.queueMu.Lock()
	m.queue = append(m.queue, task{epoch: epoch, fn: fn})
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) deliverLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.queueMu.Lock()
			if len(m.queue) == 0 {
				m.queueMu.Unlock()
				break
			}
			t := m.queue[0]
			m.queue[0] = task{}
			m.queue = m.queue[1:]
			m.queueMu.Unlock()

			m.deliver(t)
		}
	}
}

func (m *Manager) deliver(t task) {
	m.mu.Lock()
	current := t.epoch == m.epoch && !m.closed
	m.mu.Unlock()
	if !current {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session callback panicked", zap.Any("panic", r))
		}
	}()
	t.fn()
}
