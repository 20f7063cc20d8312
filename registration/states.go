package registration

import "github.com/m3rciful/guestbot/core/telegram/state"

// Dialog states of the guest registration flow. The flow is linear; /back
// walks one step towards the start, terminal outcomes drop the session.
const (
	StateAwaitLastName     state.State = "reg_await_last_name"
	StateAwaitFirstName    state.State = "reg_await_first_name"
	StateAwaitPhone        state.State = "reg_await_phone"
	StateAwaitBirthday     state.State = "reg_await_birthday"
	StateAwaitCity         state.State = "reg_await_city"
	StateAwaitConfirmation state.State = "reg_await_confirmation"
	StateAwaitOverwrite    state.State = "reg_await_overwrite"
)

// prevState maps each non-initial, non-terminal state to its predecessor.
var prevState = map[state.State]state.State{
	StateAwaitFirstName:    StateAwaitLastName,
	StateAwaitPhone:        StateAwaitFirstName,
	StateAwaitBirthday:     StateAwaitPhone,
	StateAwaitCity:         StateAwaitBirthday,
	StateAwaitConfirmation: StateAwaitCity,
	StateAwaitOverwrite:    StateAwaitConfirmation,
}

// Session temp-data keys.
const (
	keyLastName   = "last_name"
	keyFirstName  = "first_name"
	keyPhone      = "phone"
	keyBirthdate  = "birthdate"
	keyCity       = "city"
	keyExistingID = "existing_contact_id"
)
