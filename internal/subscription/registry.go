package subscription

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/YaganovValera/openapi-streamer/internal/metrics"
)

type entry struct {
	name    string
	params  Params
	handler Handler

	referenceID string // текущая серверная регистрация
	pendingID   string // запрошенная, но ещё не подтверждённая
	active      bool
	interrupted bool // первый create прерван обрывом соединения
	recentData  bool
	health      Health
	timeout     time.Duration
	schema      string

	generation    uint64
	seq           uint64 // счётчик для reference id
	registrations int
	lastMessageAt time.Time
}

func (e *entry) info() Info {
	return Info{
		Name:              e.name,
		ReferenceID:       e.referenceID,
		Active:            e.active,
		RecentData:        e.recentData,
		Health:            e.health,
		InactivityTimeout: e.timeout,
		SchemaName:        e.schema,
		Generation:        e.generation,
		Registrations:     e.registrations,
		LastMessageAt:     e.lastMessageAt,
		Params:            e.params,
	}
}

// Ticket: выданный Begin запрос на (пере)создание серверной подписки.
type Ticket struct {
	Name               string
	ReferenceID        string
	ReplaceReferenceID string
	Generation         uint64
	Params             Params
}

// Registry: единственное разделяемое изменяемое состояние сессии.
// Все методы безопасны для конкурентного вызова.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*entry
	byRef map[string]*entry // текущие и ожидающие reference id
	now   func() time.Time
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		slots: make(map[string]*entry),
		byRef: make(map[string]*entry),
		now:   time.Now,
	}
}

// Upsert создаёт слот или обновляет его параметры и обработчик.
// Серверная регистрация при этом не меняется.
func (r *Registry) Upsert(name string, params Params, h Handler) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[name]
	if !ok {
		e = &entry{name: name, health: HealthInactive}
		r.slots[name] = e
	}
	e.params = params
	if h != nil {
		e.handler = h
	}
	return nil
}

// Get возвращает снимок слота.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[name]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Lookup находит слот по текущему или ожидающему reference id.
func (r *Registry) Lookup(referenceID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byRef[referenceID]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Begin выдаёт новый reference id для слота и поднимает его поколение.
// При replace и активной регистрации тикет несёт её id для замены.
func (r *Registry) Begin(name string, replace bool) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[name]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	if e.pendingID != "" {
		delete(r.byRef, e.pendingID)
	}
	e.seq++
	e.generation++
	e.pendingID = e.name + "-" + strconv.FormatUint(e.seq, 10)
	r.byRef[e.pendingID] = e

	t := Ticket{
		Name:        name,
		ReferenceID: e.pendingID,
		Generation:  e.generation,
		Params:      e.params,
	}
	if replace && e.active {
		t.ReplaceReferenceID = e.referenceID
	}
	return t, nil
}

// Commit подтверждает тикет. Возвращает false, если слот удалён или
// с момента Begin сменилось поколение: такой ответ устарел и игнорируется.
func (r *Registry) Commit(t Ticket, timeout time.Duration, schema string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[t.Name]
	if !ok || e.generation != t.Generation {
		// pending id уже снят тем, кто сменил поколение
		return false
	}
	if e.referenceID != "" && e.referenceID != t.ReferenceID {
		delete(r.byRef, e.referenceID)
	}
	wasActive := e.active
	e.referenceID = t.ReferenceID
	e.pendingID = ""
	e.active = true
	e.interrupted = false
	e.timeout = timeout
	e.schema = schema
	e.registrations++
	if e.health == HealthInactive {
		e.health = HealthUnknown
	}
	r.byRef[t.ReferenceID] = e
	if !wasActive {
		metrics.ActiveSubscriptions.Inc()
	}
	return true
}

// Abort отменяет неподтверждённый тикет. Текущая регистрация остаётся как есть.
func (r *Registry) Abort(t Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byRef[t.ReferenceID]
	if ok && e.pendingID == t.ReferenceID {
		e.pendingID = ""
		delete(r.byRef, t.ReferenceID)
	}
}

// Route отмечает трафик по reference id и возвращает обработчик слота.
func (r *Registry) Route(referenceID string) (string, Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byRef[referenceID]
	if !ok {
		return "", nil, false
	}
	e.recentData = true
	e.lastMessageAt = r.now()
	return e.name, e.handler, true
}

// MarkAlive отмечает подписку живой по heartbeat "нет новых данных".
func (r *Registry) MarkAlive(referenceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byRef[referenceID]
	if !ok {
		return false
	}
	e.recentData = true
	return true
}

// Tick описывает одну проверку активности слота:
// активен и был трафик → healthy и флаг сбрасывается;
// активен и трафика не было → unhealthy, флаг остаётся false;
// неактивен → inactive, состояние не меняется.
func (r *Registry) Tick(name string) (Info, Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[name]
	if !ok {
		return Info{}, HealthUnknown
	}
	if !e.active {
		return e.info(), HealthInactive
	}
	if e.recentData {
		e.recentData = false
		e.health = HealthHealthy
	} else {
		e.health = HealthUnhealthy
	}
	return e.info(), e.health
}

// Invalidate поднимает поколение всех слотов: ответы на запросы,
// отправленные до этого момента, будут признаны устаревшими.
// Флаги active сохраняются, чтобы подписки можно было пересоздать.
// Неактивный слот с запросом в полёте помечается для пересоздания.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.slots {
		e.generation++
		if e.pendingID != "" {
			if !e.active {
				e.interrupted = true
			}
			delete(r.byRef, e.pendingID)
			e.pendingID = ""
		}
	}
}

// DeactivateAll снимает все регистрации (соединение закрыто штатно).
func (r *Registry) DeactivateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.slots {
		e.generation++
		if e.active {
			metrics.ActiveSubscriptions.Dec()
		}
		e.active = false
		e.interrupted = false
		e.recentData = false
		e.health = HealthInactive
		e.pendingID = ""
	}
	r.byRef = make(map[string]*entry)
}

// Delete удаляет слот вместе со всеми его reference id.
func (r *Registry) Delete(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots[name]
	if !ok {
		return Info{}, false
	}
	info := e.info()
	if e.active {
		metrics.ActiveSubscriptions.Dec()
	}
	delete(r.slots, name)
	for ref, owner := range r.byRef {
		if owner == e {
			delete(r.byRef, ref)
		}
	}
	return info, true
}

// Active возвращает активные подписки, отсортированные по имени.
// Если заданы referenceIDs, только те, чей текущий id в списке.
func (r *Registry) Active(referenceIDs ...string) []Info {
	var filter map[string]struct{}
	if len(referenceIDs) > 0 {
		filter = make(map[string]struct{}, len(referenceIDs))
		for _, id := range referenceIDs {
			filter[id] = struct{}{}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Info
	for _, e := range r.slots {
		if !e.active {
			continue
		}
		if filter != nil {
			if _, ok := filter[e.referenceID]; !ok {
				continue
			}
		}
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Recoverable возвращает слоты, которые нужно пересоздать после
// переподключения: активные и те, чей первый create прерван обрывом.
func (r *Registry) Recoverable() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Info
	for _, e := range r.slots {
		if e.active || e.interrupted {
			out = append(out, e.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List возвращает все слоты, отсортированные по имени.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.slots))
	for _, e := range r.slots {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
