// Package emoji — реестр эмодзи уровня приложения: загрузили однажды,
// ссылаемся всегда. Записи лежат в локальном bbolt-файле, горячие чтения идут
// из снимка в памяти со сроком годности. Загружает только лидер; остальным
// шардам реестр приезжает целиком по шине.
package emoji

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
)

const (
	bucketName             = "emoji"
	dbOpenTimeout          = time.Second
	dbFileMode os.FileMode = 0o600
)

var bucketBytes = []byte(bucketName)

// Spec описывает эмодзи, который должен существовать у приложения: имя и
// содержимое картинки.
type Spec struct {
	Name  string
	Image []byte
}

// Record — запись реестра: имя, выданный платформой идентификатор и отпечаток
// содержимого на момент загрузки.
type Record struct {
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Hash       string    `json:"hash"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Uploader загружает эмодзи на платформу представления и возвращает выданный
// идентификатор. Реализацию даёт адаптер представления.
type Uploader interface {
	UploadEmoji(ctx context.Context, name string, image []byte) (string, error)
}

// Registry потокобезопасен. Чтения обслуживает снимок в памяти; протухший
// снимок перечитывается из bbolt при следующем Lookup.
type Registry struct {
	db  *bbolt.DB
	id  cluster.Identity
	b   *bus.Bus // nil в одиночном процессе без шины
	clk clock.Clock

	mu       sync.RWMutex
	cache    map[string]Record
	cachedAt time.Time
}

// Open открывает файл реестра и прогревает снимок в памяти. Шину можно не
// передавать: одиночный процесс обходится без неё. nil clk означает
// системные часы.
func Open(path string, id cluster.Identity, b *bus.Bus, clk clock.Clock) (*Registry, error) {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "ensure dir %s", dir)
		}
	}
	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open emoji db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketBytes)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create emoji bucket")
	}

	r := &Registry{db: db, id: id, b: b, clk: clk}
	if err := r.reload(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close закрывает файл реестра.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Register вешает обработчик прогрева на шину: присланным снимком реестр
// заменяется целиком, и на диске, и в памяти.
func (r *Registry) Register() {
	if r.b == nil {
		return
	}
	r.b.Handle(bus.KindEmojiCatalogWarm, func(_ context.Context, from int, msg bus.Message) {
		if from == r.id.ShardID {
			return
		}
		var warm *bus.EmojiCatalogWarm
		switch m := msg.(type) {
		case *bus.EmojiCatalogWarm:
			warm = m
		case bus.EmojiCatalogWarm:
			warm = &m
		default:
			return
		}
		if err := r.applyWarm(warm); err != nil {
			logger.Warnf("эмодзи: снимок от шарда %d не применён: %v", from, err)
			return
		}
		logger.Debugf("эмодзи: принят реестр от шарда %d, %d записей", from, len(warm.Emojis))
	})
}

// Ensure доводит реестр до списка specs: грузит через up всё, чего нет или
// чьё содержимое изменилось, и рассылает свежий снимок по шине. Вызывается
// только на лидере. Отказ загрузки одного эмодзи не останавливает остальные.
func (r *Registry) Ensure(ctx context.Context, specs []Spec, up Uploader) error {
	current, err := r.readAll()
	if err != nil {
		return errors.Wrap(err, "read emoji registry")
	}

	changed := make([]Record, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		hash := contentHash(spec.Image)
		if rec, ok := current[spec.Name]; ok && rec.Hash == hash {
			continue
		}
		id, uerr := up.UploadEmoji(ctx, spec.Name, spec.Image)
		if uerr != nil {
			logger.Warnf("эмодзи: %s не загружен: %v", spec.Name, uerr)
			continue
		}
		rec := Record{
			Name:       spec.Name,
			ID:         id,
			Hash:       hash,
			UploadedAt: r.clk.Now().UTC(),
		}
		current[spec.Name] = rec
		changed = append(changed, rec)
	}

	if len(changed) > 0 {
		if err := r.writeRecords(changed); err != nil {
			return errors.Wrap(err, "persist emoji records")
		}
		logger.Infof("эмодзи: загружено %d из %d", len(changed), len(specs))
	}
	r.swap(current)

	// Рассылка идёт и без новых загрузок: у перезапущенного шарда реестр
	// пуст, пока лидер не поделится своим.
	if r.b != nil {
		if err := r.b.Broadcast(ctx, bus.EmojiCatalogWarm{Emojis: entriesOf(current)}); err != nil {
			return errors.Wrap(err, "broadcast emoji snapshot")
		}
	}
	return nil
}

// Lookup возвращает запись по имени. Снимок в памяти живёт
// emojiCacheExpiration, затем перечитывается из bbolt.
func (r *Registry) Lookup(name string) (Record, bool) {
	ttl := config.Runtime().EmojiCacheExpiration

	r.mu.RLock()
	if r.cache != nil && r.clk.Since(r.cachedAt) < ttl {
		rec, ok := r.cache[name]
		r.mu.RUnlock()
		return rec, ok
	}
	r.mu.RUnlock()

	if err := r.reload(); err != nil {
		logger.Warnf("эмодзи: реестр не перечитан: %v", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.cache[name]
	return rec, ok
}

// Len возвращает размер снимка в памяти.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// applyWarm целиком заменяет реестр присланными записями.
func (r *Registry) applyWarm(warm *bus.EmojiCatalogWarm) error {
	now := r.clk.Now().UTC()
	recs := make(map[string]Record, len(warm.Emojis))
	for _, e := range warm.Emojis {
		if e.Name == "" {
			continue
		}
		recs[e.Name] = Record{Name: e.Name, ID: e.ID, Hash: e.Hash, UploadedAt: now}
	}
	if err := r.replaceAll(recs); err != nil {
		return err
	}
	r.swap(recs)
	return nil
}

// reload перечитывает снимок в памяти из bbolt.
func (r *Registry) reload() error {
	recs, err := r.readAll()
	if err != nil {
		return errors.Wrap(err, "read emoji registry")
	}
	r.swap(recs)
	return nil
}

func (r *Registry) swap(recs map[string]Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = recs
	r.cachedAt = r.clk.Now()
}

// readAll читает все записи коллекции. Нечитаемая запись пропускается с
// предупреждением: следующий прогон Ensure перезальёт её заново.
func (r *Registry) readAll() (map[string]Record, error) {
	recs := make(map[string]Record)
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBytes)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if uerr := json.Unmarshal(v, &rec); uerr != nil {
				logger.Warnf("эмодзи: запись %s повреждена: %v", k, uerr)
				return nil
			}
			recs[rec.Name] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// writeRecords дописывает записи, не трогая остальные.
func (r *Registry) writeRecords(recs []Record) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketBytes)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			payload, merr := json.Marshal(rec)
			if merr != nil {
				return errors.Wrapf(merr, "marshal emoji %s", rec.Name)
			}
			if perr := bucket.Put([]byte(rec.Name), payload); perr != nil {
				return perr
			}
		}
		return nil
	})
}

// replaceAll пересоздаёт коллекцию из переданных записей.
func (r *Registry) replaceAll(recs map[string]Record) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket(bucketBytes)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			payload, merr := json.Marshal(rec)
			if merr != nil {
				return errors.Wrapf(merr, "marshal emoji %s", rec.Name)
			}
			if perr := bucket.Put([]byte(rec.Name), payload); perr != nil {
				return perr
			}
		}
		return nil
	})
}

// entriesOf сводит записи к проводной форме, отсортированной по имени.
func entriesOf(recs map[string]Record) []bus.EmojiEntry {
	entries := make([]bus.EmojiEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, bus.EmojiEntry{Name: rec.Name, ID: rec.ID, Hash: rec.Hash})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// contentHash — отпечаток содержимого картинки.
func contentHash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}
