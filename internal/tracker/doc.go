// Package tracker runs one polling task per tracked item.
//
// The Registry owns the name -> task map. Start replaces a running task
// for the same name after a bounded join; Stop retires it. A task waits
// for its interval or its cancellation, whichever comes first, then
// fetches the price, lets the decision engine react to a drop and
// records the observation.
//
// Catalog and history writes made by a task happen under the registry
// lock and only while that task is still the registered one for its
// item, so a task that outlived its join timeout never writes.
package tracker
