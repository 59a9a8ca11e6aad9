// Package federation exchanges annotations with other instances:
// it decodes inbound activities and applies them to the store, resolves
// the target a remote note annotates, serves local actor documents, and
// delivers signed activities to remote inboxes with bounded retry.
package federation
