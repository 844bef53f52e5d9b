package livematch

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/riot/rerr"
)

const (
	pollInterval = 10 * time.Second

	// pollBudget ограничивает наблюдение примерно пятью минутами: пик
	// агентов длится до двух, дольше ждать начала матча нет смысла.
	pollBudget = 30
)

// Poller следит за сменой стадии пика на идущий матч. Презентация вызывает
// Watch после показа карточки пика; как только матч начался, колбэк получает
// свежую картину. Повторный Watch того же пользователя заменяет предыдущее
// наблюдение.
type Poller struct {
	svc *Service
	clk clock.Clock

	mu      sync.Mutex
	watches map[user.UserID]*watch
}

type watch struct {
	cancel context.CancelFunc
}

// NewPoller создаёт поллер над агрегатором.
func NewPoller(svc *Service) *Poller {
	return &Poller{svc: svc, clk: svc.clk, watches: make(map[user.UserID]*watch)}
}

// Watch наблюдает за пользователем до начала матча: когда стадия стала
// «в игре», onUpgrade получает свежую картину. Наблюдение заканчивается по
// исчерпании бюджета опросов, уходе в «вне игры», Cancel или отмене ctx.
func (p *Poller) Watch(ctx context.Context, id user.UserID, accountIdx int, onUpgrade func(*View)) {
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel}
	p.mu.Lock()
	if prev, ok := p.watches[id]; ok {
		prev.cancel()
	}
	p.watches[id] = w
	p.mu.Unlock()

	go p.run(wctx, w, id, accountIdx, onUpgrade)
}

// Cancel снимает наблюдение за пользователем.
func (p *Poller) Cancel(id user.UserID) {
	p.mu.Lock()
	w, ok := p.watches[id]
	if ok {
		delete(p.watches, id)
	}
	p.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Watching сообщает число активных наблюдений.
func (p *Poller) Watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

func (p *Poller) run(ctx context.Context, w *watch, id user.UserID, accountIdx int, onUpgrade func(*View)) {
	defer p.drop(id, w)
	for range pollBudget {
		if err := p.clk.Sleep(ctx, pollInterval); err != nil {
			return
		}
		v, err := p.svc.Resolve(ctx, id, accountIdx)
		if err != nil {
			if errors.Is(err, rerr.ErrInvalidCredentials) {
				return
			}
			logger.Debugf("матч: наблюдение за %s: %v", id, err)
			continue
		}
		switch v.Stage {
		case StageIngame:
			logger.Debugf("матч: наблюдение за %s — матч начался", id)
			onUpgrade(v)
			return
		case StageNone:
			// пик отменён либо игрок вышел
			return
		}
	}
	logger.Debugf("матч: наблюдение за %s исчерпало бюджет опросов", id)
}

// drop убирает наблюдение из реестра, не затирая более новое.
func (p *Poller) drop(id user.UserID, w *watch) {
	p.mu.Lock()
	if cur, ok := p.watches[id]; ok && cur == w {
		delete(p.watches, id)
	}
	p.mu.Unlock()
}
