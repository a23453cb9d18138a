// Package session mediates between the data bearer and the protocol engine.
// It converts bearer connect and disconnect events into protocol session
// start and stop, owns the retry policy, and fans engine events out to the
// update handlers.
//
// All session and update mutation happens on the controller's single event
// loop; external entry points either post onto that loop or take the
// controller lock, so no caller ever observes a half-torn-down session.
package session
