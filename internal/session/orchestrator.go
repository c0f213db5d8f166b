package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/common/telemetry"
	"github.com/YaganovValera/openapi-streamer/internal/codec"
	"github.com/YaganovValera/openapi-streamer/internal/openapi"
	"github.com/YaganovValera/openapi-streamer/internal/subscription"
)

// API: REST-эндпоинт подписок.
type API interface {
	CreateSubscription(ctx context.Context, path string, req openapi.CreateRequest) (*openapi.CreateResponse, error)
	DeleteSubscription(ctx context.Context, path, contextID, referenceID string) error
}

// Orchestrator создаёт, заменяет и удаляет подписки соединения.
// Операции сериализованы: параллельные create/delete в одном контексте
// упираются в лимиты сервера.
type Orchestrator struct {
	ctrl *Controller
	api  API
	reg  *subscription.Registry
	mon  *subscription.Monitor
	dec  *codec.Decoder

	log    *logger.Logger
	tracer trace.Tracer

	opMu sync.Mutex
}

// NewOrchestrator привязывает оркестратор к контроллеру: после
// переподключения и по _resetsubscriptions контроллер пересоздаёт подписки через него.
func NewOrchestrator(ctrl *Controller, api API, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		ctrl:   ctrl,
		api:    api,
		reg:    ctrl.reg,
		mon:    ctrl.mon,
		dec:    ctrl.decoder,
		log:    log.Named("orchestrator"),
		tracer: telemetry.Tracer("orchestrator"),
	}
	ctrl.orch = o
	return o
}

// Create создаёт подписку name. Если соединения ещё нет, оно открывается;
// вызов ждёт Open. Если слот уже активен, регистрация заменяется на месте.
func (o *Orchestrator) Create(ctx context.Context, name string, params subscription.Params, h subscription.Handler) (string, error) {
	if err := o.reg.Upsert(name, params, h); err != nil {
		return "", err
	}
	o.ctrl.startConnect(ctx)
	if err := o.ctrl.AwaitOpen(ctx); err != nil {
		return "", err
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()
	info, ok := o.reg.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, name)
	}
	return o.issue(ctx, name, info.Active)
}

// Replace меняет параметры активной подписки одним запросом с
// ReplaceReferenceId, без отдельного delete.
func (o *Orchestrator) Replace(ctx context.Context, existingReferenceID string, params subscription.Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	o.ctrl.startConnect(ctx)
	if err := o.ctrl.AwaitOpen(ctx); err != nil {
		return "", err
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()
	info, ok := o.reg.Lookup(existingReferenceID)
	if !ok || !info.Active || info.ReferenceID != existingReferenceID {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, existingReferenceID)
	}
	if err := o.reg.Upsert(info.Name, params, nil); err != nil {
		return "", err
	}
	return o.issue(ctx, info.Name, true)
}

// Remove удаляет подписку по reference id. Неизвестная или неактивная
// подписка удаляется локально без обращения к серверу.
func (o *Orchestrator) Remove(ctx context.Context, referenceID string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	info, ok := o.reg.Lookup(referenceID)
	if !ok {
		return nil
	}
	return o.remove(ctx, info)
}

// List: снимок всех слотов реестра.
func (o *Orchestrator) List() []subscription.Info { return o.reg.List() }

// RemoveByName удаляет подписку по имени слота.
func (o *Orchestrator) RemoveByName(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	info, ok := o.reg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, name)
	}
	return o.remove(ctx, info)
}

func (o *Orchestrator) remove(ctx context.Context, info subscription.Info) error {
	if info.Active && o.ctrl.State() == StateOpen {
		ctx, span := o.tracer.Start(ctx, "orchestrator.Remove",
			trace.WithAttributes(attribute.String("subscription.reference_id", info.ReferenceID)))
		err := o.api.DeleteSubscription(ctx, info.Params.Path, o.ctrl.ContextID(), info.ReferenceID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			o.ctrl.report(Event{
				Kind: EventSubscriptionError, Subscription: info.Name, ReferenceID: info.ReferenceID,
				Status: openapi.StatusOf(err), Err: err,
			})
			return err
		}
		span.End()
	}
	o.mon.Stop(info.Name)
	o.dec.Unbind(info.ReferenceID)
	o.reg.Delete(info.Name)
	o.log.Info("subscription removed",
		zap.String("subscription", info.Name), zap.String("reference_id", info.ReferenceID))
	return nil
}

// RecreateAll переиздаёт активные подписки по одной, заменяя регистрации
// на месте. targets ограничивает набор; пустой означает все активные.
func (o *Orchestrator) RecreateAll(ctx context.Context, targets ...string) error {
	return o.recreate(ctx, targets, true)
}

func (o *Orchestrator) recreate(ctx context.Context, targets []string, replace bool) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.RecreateAll", trace.WithAttributes(
		attribute.Int("targets", len(targets)), attribute.Bool("replace", replace)))
	defer span.End()

	var list []subscription.Info
	if replace {
		list = o.reg.Active(targets...)
		if len(targets) > 0 && len(list) == 0 {
			o.log.Warn("reset targets not tracked, recreating all", zap.Strings("targets", targets))
			list = o.reg.Active()
		}
	} else {
		list = o.reg.Recoverable()
	}
	o.log.Info("recreating subscriptions", zap.Int("count", len(list)), zap.Bool("replace", replace))

	var errs []error
	for _, info := range list {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := o.issue(ctx, info.Name, replace); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// issue отправляет create (или replace) для слота и применяет ответ,
// если слот за это время не переиздан. Вызывается под opMu.
func (o *Orchestrator) issue(ctx context.Context, name string, replace bool) (string, error) {
	tk, err := o.reg.Begin(name, replace)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, name)
	}
	p := tk.Params
	req := openapi.CreateRequest{
		ContextID:          o.ctrl.ContextID(),
		ReferenceID:        tk.ReferenceID,
		ReplaceReferenceID: tk.ReplaceReferenceID,
		Format:             p.Format.MediaType(),
		RefreshRate:        p.RefreshRate,
		Tag:                p.Tag,
		Arguments:          p.Arguments,
	}

	start := time.Now()
	resp, err := o.api.CreateSubscription(ctx, p.Path, req)
	if err != nil {
		o.reg.Abort(tk)
		o.ctrl.report(Event{
			Kind: EventSubscriptionError, Subscription: name, ReferenceID: tk.ReferenceID,
			Status: openapi.StatusOf(err), Err: err,
		})
		return "", err
	}

	var schema string
	if resp.SchemaName != "" {
		if len(resp.Schema) > 0 {
			if err := o.dec.RegisterSchema(resp.SchemaName, resp.Schema); err != nil {
				o.log.Error("schema registration failed",
					zap.String("subscription", name), zap.String("schema", resp.SchemaName), zap.Error(err))
			}
		}
		schema = resp.SchemaName
		o.dec.Bind(tk.ReferenceID, schema)
	}

	if !o.reg.Commit(tk, resp.Timeout(), schema) {
		o.dec.Unbind(tk.ReferenceID)
		o.log.Warn("stale subscription response dropped",
			zap.String("subscription", name), zap.String("reference_id", tk.ReferenceID))
		if o.ctrl.State() == StateOpen {
			if err := o.api.DeleteSubscription(ctx, p.Path, req.ContextID, tk.ReferenceID); err != nil {
				o.log.Warn("cleanup of stale subscription failed",
					zap.String("reference_id", tk.ReferenceID), zap.Error(err))
			}
		}
		return "", fmt.Errorf("%w: %s", ErrStaleResponse, tk.ReferenceID)
	}
	if tk.ReplaceReferenceID != "" {
		o.dec.Unbind(tk.ReplaceReferenceID)
	}
	o.mon.Ensure(name, resp.Timeout())

	o.log.Info("subscription active",
		zap.String("subscription", name),
		zap.String("reference_id", tk.ReferenceID),
		zap.String("replaced", tk.ReplaceReferenceID),
		zap.Duration("inactivity_timeout", resp.Timeout()),
		zap.Duration("took", time.Since(start)),
	)

	if len(resp.Snapshot) > 0 {
		o.ctrl.enqueue(ctx, codec.Message{
			ReferenceID: tk.ReferenceID,
			Format:      codec.FormatJSON,
			Payload:     resp.Snapshot,
			Snapshot:    true,
		})
	}
	return tk.ReferenceID, nil
}
