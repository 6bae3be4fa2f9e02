// Package hooks runs post-apply work once an update has been committed:
// Starlark scripts, cache directory clears and external commands.
//
// A hook failure never rolls back the applied packages. The Runner keeps
// going after a failure and returns every error it saw.
package hooks
