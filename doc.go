// Package pos implements the payment-release flow of a tEUR point-of-sale
// terminal.
//
// A payment is charged through a card reader provider (see the sumup
// package) or a customer's NFC wallet tap (see the ndef package). Either way
// the terminal ends up holding a [PaymentRecord]: a payment id and a one-time
// secret that unlock the customer's tEUR tokens through the release API (see
// the release package).
//
// # Orchestrator
//
// [Orchestrator] drives a single card-present attempt through the states
// IDLE, CHARGING, AWAITING_TOKEN, RELEASING and finally DONE or FAILED. Only
// one attempt runs at a time per terminal, and a payment id is released at
// most once. Storage, distributed locking, metrics and event fan-out are
// plugged in with options such as [WithJournal], [WithLocker] and
// [WithEventPublisher].
//
// # Tenders
//
// A [Tender] is a way to pay. [NewReaderTender] wraps the orchestrator,
// [NewNFCTender] releases a record read from a tag, and [TenderRegistry]
// keeps the ordered list offered by the register.
//
// # Callbacks
//
// [NewCallbackHandler] accepts checkout callbacks carrying the payment record
// and hands them to a [TokenDeliverer]. Options such as
// [WithSignatureVerifier], [WithRequireSignedRequests] and
// [WithAuthenticator] enforce signed and authenticated requests.
package pos
