package client

import (
	"context"
	"net/http"
	"sync"

	"valorant-skinbot/internal/infra/logger"

	"github.com/go-faster/errors"
)

// VersionInfo — версия игрового клиента, которую апстрим ждёт в заголовках.
// Лидер обновляет её по расписанию и рассылает шине; остальные шарды
// устанавливают через SetVersion.
type VersionInfo struct {
	ClientVersion string // X-Riot-ClientVersion
	UserAgent     string // User-Agent авторизационных запросов
}

// versionState — текущая версия плюс дедупликация одновременных обновлений:
// манифест качает один вызов, остальные ждут его результата на канале.
type versionState struct {
	mu       sync.Mutex
	current  VersionInfo
	lastErr  error
	inflight chan struct{} // не nil, пока идёт загрузка; закрывается по завершении
}

func (s *versionState) clientVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ClientVersion
}

func (s *versionState) userAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.UserAgent
}

// Version возвращает текущую версию клиента (возможно пустую до первого
// обновления).
func (c *Client) Version() VersionInfo {
	c.version.mu.Lock()
	defer c.version.mu.Unlock()
	return c.version.current
}

// SetVersion устанавливает версию, полученную извне (широковещание лидера).
// Пустые поля игнорируются, чтобы запоздавшее сообщение не стёрло свежее
// локальное значение.
func (c *Client) SetVersion(v VersionInfo) {
	if v.ClientVersion == "" && v.UserAgent == "" {
		return
	}
	c.version.mu.Lock()
	defer c.version.mu.Unlock()
	if v.ClientVersion != "" {
		c.version.current.ClientVersion = v.ClientVersion
	}
	if v.UserAgent != "" {
		c.version.current.UserAgent = v.UserAgent
	}
}

// versionManifest — ответ манифеста версий статического каталога.
type versionManifest struct {
	Status int `json:"status"`
	Data   struct {
		RiotClientVersion string `json:"riotClientVersion"`
		RiotClientBuild   string `json:"riotClientBuild"`
	} `json:"data"`
}

// RefreshVersion обновляет версию из манифеста. Одновременные вызовы
// схлопываются: загрузку выполняет первый, остальные ждут и получают общий
// результат. При ошибке остаётся последняя известная версия.
func (c *Client) RefreshVersion(ctx context.Context) (VersionInfo, error) {
	return c.version.refresh(ctx, c.fetchVersion)
}

// refresh — дедупликация загрузки: первый вызов выполняет fetch, остальные
// ждут закрытия канала и читают общий результат.
func (s *versionState) refresh(ctx context.Context, fetch func(context.Context) (VersionInfo, error)) (VersionInfo, error) {
	s.mu.Lock()
	if ch := s.inflight; ch != nil {
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
			v, err := s.current, s.lastErr
			s.mu.Unlock()
			return v, err
		case <-ctx.Done():
			return VersionInfo{}, ctx.Err()
		}
	}
	ch := make(chan struct{})
	s.inflight = ch
	s.mu.Unlock()

	v, err := fetch(ctx)

	s.mu.Lock()
	if err == nil {
		s.current = v
		logger.Infof("upstream: client version %s", v.ClientVersion)
	} else {
		v = s.current
		logger.Warnf("upstream: version refresh failed: %v", err)
	}
	s.lastErr = err
	s.inflight = nil
	close(ch)
	s.mu.Unlock()
	return v, err
}

func (c *Client) fetchVersion(ctx context.Context) (VersionInfo, error) {
	var m versionManifest
	_, _, err := c.do(ctx, request{
		op:     "fetch version manifest",
		method: http.MethodGet,
		url:    versionManifestURL,
		out:    &m,
	})
	if err != nil {
		return VersionInfo{}, err
	}
	if m.Data.RiotClientVersion == "" {
		return VersionInfo{}, errors.New("version manifest: empty riotClientVersion")
	}
	return VersionInfo{
		ClientVersion: m.Data.RiotClientVersion,
		UserAgent:     "RiotClient/" + m.Data.RiotClientBuild + " rso-auth (Windows;10;;Professional, x64)",
	}, nil
}
