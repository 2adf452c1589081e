package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/basco1979/pacientes-bot/internal/domain/record"
	"github.com/basco1979/pacientes-bot/internal/platform/reporting"
)

// EventKind distinguishes the inbound event shapes a transport delivers.
type EventKind string

const (
	EventCommand  EventKind = "command"
	EventText     EventKind = "text"
	EventCallback EventKind = "callback"
)

// Event is one inbound user action. Command has no leading slash; Data is the
// payload of a pressed button.
type Event struct {
	UserID  int64
	Kind    EventKind
	Command string
	Args    string
	Text    string
	Data    string
}

// Intent is what the router decided an event asks for.
type Intent string

const (
	IntentStart      Intent = "start"
	IntentNewEntry   Intent = "new_entry"
	IntentListUnpaid Intent = "list_unpaid"
	IntentReport     Intent = "report"
	IntentMonth      Intent = "month"
	IntentSearch     Intent = "search"
	IntentLatest     Intent = "latest"
	IntentUnpay      Intent = "unpay"
	IntentCancel     Intent = "cancel"
	IntentHelp       Intent = "help"
	IntentSubmission Intent = "free_text_submission"
	IntentDialogue   Intent = "dialogue"
	IntentPay        Intent = "pay"
	IntentUnknown    Intent = "unknown"
)

type route struct {
	intent Intent
	arg    string
}

// routes maps commands and menu keys to intents. Spanish names are the ones
// the bot has always answered to.
var routes = map[string]route{
	"start":       {IntentStart, ""},
	"inicio":      {IntentStart, ""},
	"menu":        {IntentStart, ""},
	"new_entry":   {IntentNewEntry, ""},
	"registrar":   {IntentNewEntry, ""},
	"list_unpaid": {IntentListUnpaid, ""},
	"impagos":     {IntentListUnpaid, ""},
	"report":      {IntentReport, ""},
	"reporte":     {IntentReport, ""},
	"report_week": {IntentReport, "week"},
	"semana":      {IntentReport, "week"},
	"month":       {IntentMonth, ""},
	"mes":         {IntentMonth, ""},
	"search":      {IntentSearch, ""},
	"buscar":      {IntentSearch, ""},
	"latest":      {IntentLatest, ""},
	"listar":      {IntentLatest, ""},
	"unpay":       {IntentUnpay, ""},
	"anular":      {IntentUnpay, ""},
	"cancel":      {IntentCancel, ""},
	"cancelar":    {IntentCancel, ""},
	"help":        {IntentHelp, ""},
	"ayuda":       {IntentHelp, ""},
}

const (
	defaultLatest = 10
	maxPayButtons = 30
)

const helpText = `Comandos:
/registrar - registrar una sesión paso a paso
/impagos - sesiones sin cobrar
/reporte [mes|semana|YYYY-MM] - totales del período
/semana - reporte semanal con comisión
/mes YYYY-MM - sesiones de un mes
/buscar Nombre - buscar por paciente
/listar - últimas sesiones
/anular ID - volver una sesión a impaga
/cancelar - cancelar el registro en curso

También podés escribir todo junto:
` + SubmissionUsage

// Records is what the router needs from the record service.
type Records interface {
	RecordStore
	MarkUnpaid(ctx context.Context, id int64) error
	ListUnpaid(ctx context.Context) ([]*record.Record, error)
	ListByPeriod(ctx context.Context, p record.Period) ([]*record.Record, error)
	Latest(ctx context.Context, n int) ([]*record.Record, error)
	Search(ctx context.Context, name string) ([]*record.Record, error)
	Location() *time.Location
}

// Reports is what the router needs from the reporting engine.
type Reports interface {
	CurrentMonth(ctx context.Context) (*reporting.Report, error)
	Monthly(ctx context.Context, year int, month time.Month) (*reporting.Report, error)
	CurrentWeek(ctx context.Context) (*reporting.Report, error)
}

// Router turns Events into Replies. Events of one user are handled one at a
// time; different users proceed in parallel.
type Router struct {
	records  Records
	reports  Reports
	dialogue *Controller
	types    Catalogue
	latest   int
	logger   zerolog.Logger
	observer Observer
	locks    sync.Map
}

// Observer is told the intent, outcome and duration of every handled event.
// Outcomes are "ok", "user_error" and "error".
type Observer interface {
	ObserveEvent(intent, outcome string, d time.Duration)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLatestLimit sets how many records /listar shows.
func WithLatestLimit(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.latest = n
		}
	}
}

// WithObserver reports every handled event to o.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) { r.observer = o }
}

// WithLogger sets the logger for received and failed events.
func WithLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

func NewRouter(records Records, reports Reports, dialogue *Controller, types Catalogue, opts ...RouterOption) *Router {
	r := &Router{
		records:  records,
		reports:  reports,
		dialogue: dialogue,
		types:    types,
		latest:   defaultLatest,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) lockFor(userID int64) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Handle processes one event. Errors never escape: they become a reply.
func (r *Router) Handle(ctx context.Context, ev Event) []Reply {
	mu := r.lockFor(ev.UserID)
	mu.Lock()
	defer mu.Unlock()

	r.logger.Debug().
		Int64("user_id", ev.UserID).
		Str("kind", string(ev.Kind)).
		Str("intent", string(r.Resolve(ev))).
		Msg("event received")

	start := time.Now()
	intent, replies, err := r.dispatch(ctx, ev)
	if err == nil {
		r.observe(intent, "ok", start)
		return replies
	}

	lvl, outcome := zerolog.ErrorLevel, "error"
	if isUserError(err) {
		lvl, outcome = zerolog.WarnLevel, "user_error"
	}
	r.logger.WithLevel(lvl).Err(err).
		Int64("user_id", ev.UserID).
		Str("intent", string(intent)).
		Msg("event failed")
	r.observe(intent, outcome, start)
	return []Reply{{Text: userMessage(err)}}
}

func (r *Router) observe(intent Intent, outcome string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveEvent(string(intent), outcome, time.Since(start))
	}
}

// Resolve reports the intent an event maps to without running it.
func (r *Router) Resolve(ev Event) Intent {
	switch ev.Kind {
	case EventCommand:
		if rt, ok := routes[strings.ToLower(ev.Command)]; ok {
			return rt.intent
		}
	case EventCallback:
		switch {
		case strings.HasPrefix(ev.Data, dataMenu):
			if rt, ok := routes[strings.TrimPrefix(ev.Data, dataMenu)]; ok {
				return rt.intent
			}
		case strings.HasPrefix(ev.Data, dataPay):
			return IntentPay
		case strings.HasPrefix(ev.Data, dataType), strings.HasPrefix(ev.Data, dataPaid):
			return IntentDialogue
		}
	case EventText:
		if r.dialogue.Active(ev.UserID) {
			return IntentDialogue
		}
		return IntentSubmission
	}
	return IntentUnknown
}

func (r *Router) dispatch(ctx context.Context, ev Event) (Intent, []Reply, error) {
	switch ev.Kind {
	case EventCommand:
		rt, ok := routes[strings.ToLower(ev.Command)]
		if !ok {
			return IntentUnknown, []Reply{{Text: "No conozco ese comando.\n\n" + helpText}}, nil
		}
		args := strings.TrimSpace(ev.Args)
		if rt.arg != "" {
			args = rt.arg
		}
		replies, err := r.run(ctx, ev.UserID, rt.intent, args)
		return rt.intent, replies, err

	case EventCallback:
		return r.callback(ctx, ev)

	case EventText:
		if r.dialogue.Active(ev.UserID) {
			reply, err := r.dialogue.Text(ctx, ev.UserID, ev.Text)
			return IntentDialogue, []Reply{reply}, err
		}
		replies, err := r.submission(ctx, ev.UserID, ev.Text)
		return IntentSubmission, replies, err
	}
	return IntentUnknown, []Reply{{Text: helpText}}, nil
}

func (r *Router) callback(ctx context.Context, ev Event) (Intent, []Reply, error) {
	data := ev.Data
	switch {
	case strings.HasPrefix(data, dataMenu):
		rt, ok := routes[strings.TrimPrefix(data, dataMenu)]
		if !ok {
			break
		}
		replies, err := r.run(ctx, ev.UserID, rt.intent, rt.arg)
		return rt.intent, replies, err

	case strings.HasPrefix(data, dataPay):
		id, err := strconv.ParseInt(strings.TrimPrefix(data, dataPay), 10, 64)
		if err != nil || id <= 0 {
			break
		}
		reply, err := r.dialogue.StartPayment(ctx, ev.UserID, id)
		return IntentPay, []Reply{reply}, err

	case strings.HasPrefix(data, dataType), strings.HasPrefix(data, dataPaid):
		reply, err := r.dialogue.Select(ctx, ev.UserID, data)
		return IntentDialogue, []Reply{reply}, err
	}
	return IntentUnknown, []Reply{{Text: "Ese botón ya no está activo."}}, nil
}

func (r *Router) run(ctx context.Context, userID int64, intent Intent, args string) ([]Reply, error) {
	switch intent {
	case IntentStart:
		return []Reply{mainMenu()}, nil
	case IntentNewEntry:
		return []Reply{r.dialogue.StartEntry(userID)}, nil
	case IntentCancel:
		return []Reply{r.dialogue.Cancel(userID)}, nil
	case IntentListUnpaid:
		return r.listUnpaid(ctx)
	case IntentReport:
		return r.report(ctx, args)
	case IntentMonth:
		return r.month(ctx, args)
	case IntentSearch:
		return r.search(ctx, args)
	case IntentLatest:
		items, err := r.records.Latest(ctx, r.latest)
		if err != nil {
			return nil, err
		}
		return []Reply{{Text: formatRecords(items, "No hay registros.")}}, nil
	case IntentUnpay:
		return r.unpay(ctx, args)
	}
	return []Reply{{Text: helpText}}, nil
}

func mainMenu() Reply {
	return Reply{
		Text: "Hola! ¿Qué querés hacer?",
		Choices: [][]Choice{
			{{Label: "➕ Registrar sesión", Data: dataMenu + "registrar"}},
			{{Label: "💸 Impagos", Data: dataMenu + "impagos"}},
			{{Label: "📋 Listar últimos", Data: dataMenu + "listar"}},
			{{Label: "📊 Reporte mensual", Data: dataMenu + "reporte"}},
			{{Label: "📅 Reporte semanal", Data: dataMenu + "semana"}},
		},
	}
}

func (r *Router) listUnpaid(ctx context.Context) ([]Reply, error) {
	items, err := r.records.ListUnpaid(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []Reply{{Text: "No hay sesiones impagas 🎉"}}, nil
	}
	reply := Reply{Text: "💸 Sesiones impagas:\n" + formatRecords(items, "")}
	for i, rec := range items {
		if i == maxPayButtons {
			break
		}
		reply.Choices = append(reply.Choices, []Choice{{
			Label: fmt.Sprintf("💵 Cobrar #%d %s", rec.ID, rec.Name),
			Data:  dataPay + strconv.FormatInt(rec.ID, 10),
		}})
	}
	return []Reply{reply}, nil
}

func (r *Router) report(ctx context.Context, args string) ([]Reply, error) {
	var (
		rep *reporting.Report
		err error
	)
	switch strings.ToLower(args) {
	case "", "month", "mes":
		rep, err = r.reports.CurrentMonth(ctx)
	case "week", "semana":
		rep, err = r.reports.CurrentWeek(ctx)
	default:
		p, perr := record.ParseMonth(args, r.records.Location())
		if perr != nil {
			return []Reply{{Text: "⚠️ Uso: /reporte [mes|semana|YYYY-MM] (ej: /reporte 2025-09)"}}, nil
		}
		rep, err = r.reports.Monthly(ctx, p.Start.Year(), p.Start.Month())
	}
	if err != nil {
		return nil, err
	}
	return []Reply{{Text: rep.Text()}}, nil
}

func (r *Router) month(ctx context.Context, args string) ([]Reply, error) {
	p, err := record.ParseMonth(args, r.records.Location())
	if err != nil {
		return []Reply{{Text: "⚠️ Uso: /mes YYYY-MM"}}, nil
	}
	items, err := r.records.ListByPeriod(ctx, p)
	if err != nil {
		return nil, err
	}
	return []Reply{{Text: formatRecords(items, "No hay registros en ese mes.")}}, nil
}

func (r *Router) search(ctx context.Context, args string) ([]Reply, error) {
	if strings.TrimSpace(args) == "" {
		return []Reply{{Text: "⚠️ Uso: /buscar NombrePaciente"}}, nil
	}
	items, err := r.records.Search(ctx, args)
	if err != nil {
		return nil, err
	}
	return []Reply{{Text: formatRecords(items, "No se encontraron registros.")}}, nil
}

func (r *Router) unpay(ctx context.Context, args string) ([]Reply, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(args), "#"), 10, 64)
	if err != nil || id <= 0 {
		return []Reply{{Text: "⚠️ Uso: /anular ID (el número que aparece como #ID)"}}, nil
	}
	if err := r.records.MarkUnpaid(ctx, id); err != nil {
		return nil, err
	}
	return []Reply{{Text: fmt.Sprintf("↩️ Registro #%d marcado como impago.", id)}}, nil
}

// submission handles free text outside a dialogue. Anything that does not
// parse gets the usage hint and changes nothing.
func (r *Router) submission(ctx context.Context, userID int64, text string) ([]Reply, error) {
	sub, err := ParseSubmission(text, r.types)
	if err != nil {
		return []Reply{{Text: "No entendí el mensaje.\n" + SubmissionUsage + "\nO usá /registrar para cargarlo paso a paso."}}, nil
	}
	if sub.NeedsAmount {
		return []Reply{r.dialogue.StartAmount(userID, sub.Name, sub.Type)}, nil
	}
	rec, err := r.records.Insert(ctx, sub.NewRecord())
	if err != nil {
		return nil, err
	}
	return []Reply{{Text: formatSaved(rec)}}, nil
}

func isUserError(err error) bool {
	return errors.Is(err, record.ErrValidation) || errors.Is(err, record.ErrFormat) || errors.Is(err, record.ErrNotFound)
}

// userMessage is the chat text shown for a failed event.
func userMessage(err error) string {
	switch {
	case errors.Is(err, record.ErrNotFound):
		return "🔎 No encontré ese registro."
	case errors.Is(err, record.ErrStoreUnavailable):
		return "⚠️ No pude acceder a la base de datos. Probá de nuevo en un rato."
	case errors.Is(err, record.ErrFormat):
		return "⚠️ Formato inválido.\n" + SubmissionUsage
	case errors.Is(err, record.ErrValidation):
		return "⚠️ Dato inválido, revisá lo que escribiste."
	}
	return "⚠️ Ocurrió un error inesperado."
}
