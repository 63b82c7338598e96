// Package orders holds the customer order model and the order stores.
//
// Orders are looked up and mutated only through an authorization pair:
// the order id (case-insensitive) and the owner's email (case-insensitive).
package orders

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/dates"
)

var (
	orderIDPattern = regexp.MustCompile(`^[A-Z0-9]{10,15}$`)
	zipPattern     = regexp.MustCompile(`^\d{5}$`)
)

// =============================================================================
// Model
// =============================================================================

// Address is a postal address.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zipcode string `json:"zipcode"`
}

// String renders "street, city, state zip".
func (a Address) String() string {
	return fmt.Sprintf("%s, %s, %s %s", a.Street, a.City, a.State, a.Zipcode)
}

// Order is a customer order record.
type Order struct {
	ID           int64      `json:"id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Email        string     `json:"email"`
	OrderID      string     `json:"order_id"`
	Street       string     `json:"street"`
	City         string     `json:"city"`
	State        string     `json:"state"`
	Zipcode      string     `json:"zipcode"`
	DeliveryDate string     `json:"delivery_date"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// FullName returns "first last".
func (o Order) FullName() string {
	return o.FirstName + " " + o.LastName
}

// Address returns the order's shipping address.
func (o Order) Address() Address {
	return Address{Street: o.Street, City: o.City, State: o.State, Zipcode: o.Zipcode}
}

// Clone returns a copy that shares no pointers with o.
func (o Order) Clone() Order {
	c := o
	if o.UpdatedAt != nil {
		t := *o.UpdatedAt
		c.UpdatedAt = &t
	}
	return c
}

// Apply returns a copy of o with the fields set in u replaced.
func (o Order) Apply(u Update) Order {
	c := o.Clone()
	if u.DeliveryDate != nil {
		c.DeliveryDate = *u.DeliveryDate
	}
	if u.Street != nil {
		c.Street = *u.Street
	}
	if u.City != nil {
		c.City = *u.City
	}
	if u.State != nil {
		c.State = *u.State
	}
	if u.Zipcode != nil {
		c.Zipcode = *u.Zipcode
	}
	return c
}

// Validate checks the stored-record invariants.
func (o Order) Validate() error {
	if !orderIDPattern.MatchString(o.OrderID) {
		return &ValidationError{Field: "order_id", Reason: "must be 10-15 uppercase letters or digits"}
	}
	if !strings.Contains(o.Email, "@") {
		return &ValidationError{Field: "email", Reason: "must be an email address"}
	}
	if !zipPattern.MatchString(o.Zipcode) {
		return &ValidationError{Field: "zipcode", Reason: "must be 5 digits"}
	}
	if _, err := dates.Parse(o.DeliveryDate, time.UTC); err != nil {
		return &ValidationError{Field: "delivery_date", Reason: err.Error()}
	}
	return nil
}

// =============================================================================
// Partial Update
// =============================================================================

// Update is a partial order mutation. Nil fields are left untouched.
type Update struct {
	DeliveryDate *string `json:"delivery_date,omitempty"`
	Street       *string `json:"street,omitempty"`
	City         *string `json:"city,omitempty"`
	State        *string `json:"state,omitempty"`
	Zipcode      *string `json:"zipcode,omitempty"`
}

// DateUpdate builds an update that changes only the delivery date.
func DateUpdate(date string) Update {
	return Update{DeliveryDate: &date}
}

// AddressUpdate builds an update that changes the four address fields.
func AddressUpdate(a Address) Update {
	return Update{Street: &a.Street, City: &a.City, State: &a.State, Zipcode: &a.Zipcode}
}

// column is a single column assignment.
type column struct {
	Name  string
	Value string
}

// columns returns the set fields in a stable order.
func (u Update) columns() []column {
	var cols []column
	add := func(name string, v *string) {
		if v != nil {
			cols = append(cols, column{Name: name, Value: *v})
		}
	}
	add("delivery_date", u.DeliveryDate)
	add("street", u.Street)
	add("city", u.City)
	add("state", u.State)
	add("zipcode", u.Zipcode)
	return cols
}

// IsEmpty reports whether no field is set.
func (u Update) IsEmpty() bool {
	return len(u.columns()) == 0
}

// FieldNames lists the set fields.
func (u Update) FieldNames() []string {
	cols := u.columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Validate rejects empty updates and malformed values.
func (u Update) Validate() error {
	if u.IsEmpty() {
		return &ValidationError{Reason: "No fields to update"}
	}
	for _, c := range u.columns() {
		if strings.TrimSpace(c.Value) == "" {
			return &ValidationError{Field: c.Name, Reason: "must not be empty"}
		}
	}
	if u.Zipcode != nil && !zipPattern.MatchString(*u.Zipcode) {
		return &ValidationError{Field: "zipcode", Reason: "must be 5 digits"}
	}
	if u.DeliveryDate != nil {
		if _, err := dates.Parse(*u.DeliveryDate, time.UTC); err != nil {
			return &ValidationError{Field: "delivery_date", Reason: err.Error()}
		}
	}
	return nil
}

// =============================================================================
// Errors
// =============================================================================

// ErrNotFound is returned when no order matches the id and email pair.
var ErrNotFound = errors.New("order not found")

// ValidationError is a malformed update rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// WriteError is an authorized update that did not change any record.
type WriteError struct {
	OrderID string
	Email   string
	Cause   error
}

func (e *WriteError) Error() string {
	if e.Cause != nil && !errors.Is(e.Cause, ErrNotFound) {
		return fmt.Sprintf("update order %s: %v", e.OrderID, e.Cause)
	}
	return fmt.Sprintf("Order %s not found for email %s", e.OrderID, e.Email)
}

func (e *WriteError) Unwrap() error {
	return e.Cause
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsWriteFailure reports whether err is a WriteError.
func IsWriteFailure(err error) bool {
	var w *WriteError
	return errors.As(err, &w)
}

// normalizeKey applies the lookup normalization shared by every store.
func normalizeKey(orderID, email string) (string, string) {
	return strings.ToUpper(strings.TrimSpace(orderID)), strings.ToLower(strings.TrimSpace(email))
}

// successMessage is the message returned by a successful update.
func successMessage(orderID string) string {
	return "Successfully updated order " + orderID
}
