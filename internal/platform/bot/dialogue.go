// Package bot holds the chat-facing core: the per-user entry dialogue, the
// one-line submission parser and the command router. It knows nothing about
// Telegram; transports turn their updates into Events and render Replies.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/basco1979/pacientes-bot/internal/domain/record"
)

// State is a dialogue step.
type State string

const (
	StateIdle         State = "IDLE"
	StateAwaitName    State = "AWAIT_NAME"
	StateAwaitType    State = "AWAIT_TYPE"
	StateAwaitPayment State = "AWAIT_PAYMENT"
	StateAwaitAmount  State = "AWAIT_AMOUNT"
)

// DefaultDialogueTTL is how long an untouched dialogue survives.
const DefaultDialogueTTL = 30 * time.Minute

// Button data prefixes.
const (
	dataMenu = "menu:"
	dataType = "type:"
	dataPaid = "paid:"
	dataPay  = "pay:"
)

// Choice is one button offered with a reply.
type Choice struct {
	Label string
	Data  string
}

// Reply is one outbound message. Choices are rows of buttons.
type Reply struct {
	Text    string
	Choices [][]Choice
}

// RecordStore is what the dialogue needs from the record service.
type RecordStore interface {
	Insert(ctx context.Context, in record.NewRecord) (*record.Record, error)
	Get(ctx context.Context, id int64) (*record.Record, error)
	MarkPaid(ctx context.Context, id int64, amount float64) error
}

// session is the staged state of one user's dialogue. RecordID is set only in
// the payment flow, where AWAIT_AMOUNT completes an existing record.
type session struct {
	State    State
	Name     string
	Type     string
	RecordID int64
}

// Controller runs one dialogue per user. Staged fields stay in memory and
// nothing reaches the store until a dialogue completes. Callers must not run
// two steps for the same user concurrently.
type Controller struct {
	store  RecordStore
	types  Catalogue
	states *cache.Cache
}

// NewController creates a Controller whose dialogues expire after ttl without
// activity.
func NewController(store RecordStore, types Catalogue, ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = DefaultDialogueTTL
	}
	return &Controller{
		store:  store,
		types:  types,
		states: cache.New(ttl, ttl),
	}
}

func userKey(userID int64) string { return strconv.FormatInt(userID, 10) }

func (c *Controller) load(userID int64) session {
	if v, ok := c.states.Get(userKey(userID)); ok {
		return v.(session)
	}
	return session{State: StateIdle}
}

func (c *Controller) save(userID int64, s session) {
	if s.State == StateIdle {
		c.states.Delete(userKey(userID))
		return
	}
	c.states.Set(userKey(userID), s, cache.DefaultExpiration)
}

// State returns the user's current step; expired dialogues read as IDLE.
func (c *Controller) State(userID int64) State {
	return c.load(userID).State
}

// Active reports whether the user is mid-dialogue.
func (c *Controller) Active(userID int64) bool {
	return c.State(userID) != StateIdle
}

// StartEntry begins a new entry, discarding anything staged before.
func (c *Controller) StartEntry(userID int64) Reply {
	c.save(userID, session{State: StateAwaitName})
	return Reply{Text: "📌 Escribí el nombre del paciente:"}
}

// StartAmount resumes an entry whose name and type are known and whose
// payment was confirmed without a figure.
func (c *Controller) StartAmount(userID int64, name, typ string) Reply {
	c.save(userID, session{State: StateAwaitAmount, Name: name, Type: typ})
	return Reply{Text: fmt.Sprintf("💵 ¿Cuánto pagó %s?", name)}
}

// StartPayment begins collecting the amount for an existing unpaid record.
// A missing record returns ErrNotFound and leaves the state as it was.
func (c *Controller) StartPayment(ctx context.Context, userID, recordID int64) (Reply, error) {
	rec, err := c.store.Get(ctx, recordID)
	if err != nil {
		return Reply{}, err
	}
	if rec.Paid {
		return Reply{Text: fmt.Sprintf("El registro #%d ya figura como pagado (%s).", rec.ID, money(rec.Amount))}, nil
	}
	c.save(userID, session{State: StateAwaitAmount, Name: rec.Name, Type: rec.Type, RecordID: rec.ID})
	return Reply{Text: fmt.Sprintf("💵 Monto cobrado a %s (#%d):", rec.Name, rec.ID)}, nil
}

// Cancel drops the user's dialogue without touching the store.
func (c *Controller) Cancel(userID int64) Reply {
	if !c.Active(userID) {
		return Reply{Text: "No hay ningún registro en curso."}
	}
	c.save(userID, session{State: StateIdle})
	return Reply{Text: "❌ Registro cancelado."}
}

// Text feeds typed input to the current step. Invalid input re-prompts and
// keeps the state. A store failure while completing ends the dialogue and is
// returned.
func (c *Controller) Text(ctx context.Context, userID int64, text string) (Reply, error) {
	s := c.load(userID)
	text = strings.TrimSpace(text)

	switch s.State {
	case StateAwaitName:
		if text == "" {
			return Reply{Text: "El nombre no puede estar vacío. Escribí el nombre del paciente:"}, nil
		}
		s.Name = text
		s.State = StateAwaitType
		c.save(userID, s)
		return c.typePrompt("Seleccioná el tipo de paciente:"), nil

	case StateAwaitType:
		st, ok := c.types.Lookup(text)
		if !ok {
			return c.typePrompt("Tipo desconocido. Elegí una opción:"), nil
		}
		return c.chooseType(userID, s, st), nil

	case StateAwaitPayment:
		if amount, err := ParseAmount(text); err == nil {
			if amount == 0 {
				return c.finishEntry(ctx, userID, s, false, 0)
			}
			return c.finishEntry(ctx, userID, s, true, amount)
		}
		paid, ok := ParseYesNo(text)
		if !ok {
			return c.paymentPrompt("Respondé sí o no:"), nil
		}
		return c.choosePaid(ctx, userID, s, paid)

	case StateAwaitAmount:
		amount, err := ParseAmount(text)
		if err != nil || amount <= 0 {
			return Reply{Text: "Monto inválido. Escribí un número mayor a 0 (ej: 1500):"}, nil
		}
		if s.RecordID > 0 {
			return c.finishPayment(ctx, userID, s, amount)
		}
		return c.finishEntry(ctx, userID, s, true, amount)
	}

	return Reply{Text: "No hay ningún registro en curso. Usá /registrar para empezar."}, nil
}

// Select handles a button press. Buttons that do not belong to the current
// step are answered without changing state.
func (c *Controller) Select(ctx context.Context, userID int64, data string) (Reply, error) {
	s := c.load(userID)

	switch {
	case strings.HasPrefix(data, dataType) && s.State == StateAwaitType:
		st, ok := c.types.Lookup(strings.TrimPrefix(data, dataType))
		if !ok {
			return c.typePrompt("Tipo desconocido. Elegí una opción:"), nil
		}
		return c.chooseType(userID, s, st), nil

	case strings.HasPrefix(data, dataPaid) && s.State == StateAwaitPayment:
		switch strings.TrimPrefix(data, dataPaid) {
		case "yes":
			return c.choosePaid(ctx, userID, s, true)
		case "no":
			return c.choosePaid(ctx, userID, s, false)
		}
	}

	return Reply{Text: "Ese botón ya no está activo."}, nil
}

func (c *Controller) chooseType(userID int64, s session, st SessionType) Reply {
	s.Type = st.Label
	s.State = StateAwaitPayment
	c.save(userID, s)
	return c.paymentPrompt("¿El paciente pagó?")
}

func (c *Controller) choosePaid(ctx context.Context, userID int64, s session, paid bool) (Reply, error) {
	if !paid {
		return c.finishEntry(ctx, userID, s, false, 0)
	}
	return c.StartAmount(userID, s.Name, s.Type), nil
}

func (c *Controller) finishEntry(ctx context.Context, userID int64, s session, paid bool, amount float64) (Reply, error) {
	c.save(userID, session{State: StateIdle})
	rec, err := c.store.Insert(ctx, record.NewRecord{Name: s.Name, Type: s.Type, Paid: paid, Amount: amount})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: formatSaved(rec)}, nil
}

func (c *Controller) finishPayment(ctx context.Context, userID int64, s session, amount float64) (Reply, error) {
	c.save(userID, session{State: StateIdle})
	if err := c.store.MarkPaid(ctx, s.RecordID, amount); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("✅ Registro #%d de %s marcado como pagado: %s", s.RecordID, s.Name, money(amount))}, nil
}

func (c *Controller) typePrompt(text string) Reply {
	return Reply{Text: text, Choices: c.types.choices()}
}

func (c *Controller) paymentPrompt(text string) Reply {
	return Reply{Text: text, Choices: [][]Choice{
		{{Label: "💵 Pagó", Data: dataPaid + "yes"}},
		{{Label: "❌ No pagó", Data: dataPaid + "no"}},
	}}
}
