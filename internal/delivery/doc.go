// Package delivery holds the domain model shared by every engine component:
// subscribers, sending identities, templates, delivery jobs and their state
// machine, plus the error taxonomy used to classify send outcomes.
package delivery
