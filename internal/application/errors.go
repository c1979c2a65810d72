package application

import "fmt"

// PersistenceError reports a local write that failed after the provider accepted the change.
// Local and remote state disagree until the reconciler or the sweep repairs the record.
type PersistenceError struct {
	Op             string
	SubscriptionID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: remote change applied but local record %s not saved: %v", e.Op, e.SubscriptionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InvoiceError reports that invoicing failed after a committed change. The change itself is
// not rolled back.
type InvoiceError struct {
	SubscriptionID string
	CustomerRef    string
	Err            error
}

func (e *InvoiceError) Error() string {
	return fmt.Sprintf("invoice customer %s after change to %s: %v", e.CustomerRef, e.SubscriptionID, e.Err)
}

func (e *InvoiceError) Unwrap() error { return e.Err }
