package monitor

import (
	"sync"

	"gitlab.com/arcanecrypto/troncoil/models/forms"
	"gitlab.com/arcanecrypto/troncoil/models/transactions"
)

// PaymentCallback is invoked when a form the caller registered for is
// settled. It runs on a reconciler worker goroutine.
type PaymentCallback func(form forms.Form, tx transactions.Transaction)

type callbackRegistry struct {
	mu     sync.Mutex
	byForm map[string]PaymentCallback
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{byForm: make(map[string]PaymentCallback)}
}

func (r *callbackRegistry) register(formID string, callback PaymentCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byForm[formID] = callback
}

func (r *callbackRegistry) unregister(formID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byForm, formID)
}

// take removes and returns the callback for a form, so each settlement
// fires it at most once
func (r *callbackRegistry) take(formID string) (PaymentCallback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	callback, ok := r.byForm[formID]
	if ok {
		delete(r.byForm, formID)
	}
	return callback, ok
}

// fire invokes the callback, containing panics so a misbehaving caller
// cannot take the reconciler down
func fire(callback PaymentCallback, form forms.Form, tx transactions.Transaction) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("formId", form.FormID).
				WithField("panic", r).
				Error("Payment callback panicked")
		}
	}()
	callback(form, tx)
}
