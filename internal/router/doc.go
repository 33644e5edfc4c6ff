// ABOUTME: Package router is the only boundary between wire frames and internals.
// ABOUTME: Every inbound frame is authenticated against the connection's tenant.

// Package router dispatches decoded worker frames to the lifecycle
// manager, scheduler, and credential broker, and encodes all outbound
// frames. Tenant boundary violations close the connection.
package router
