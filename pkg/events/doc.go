/*
Package events implements the trigger broker behind the background
loop's trigger-fire activity and the post-reconfigure broadcast.

Publishing and delivery are deliberately decoupled. Publish runs on the
write-lock holder's hot path and only queues the event; Fire, called
from the background loop's trigger activity (and immediately after a
reconfigure broadcast), fans the backlog out to every matching
subscription. A subscription names the event types it watches, and a
full subscription channel drops the event rather than stalling the fire
pass: triggers are best-effort notifications, not a durable stream.
*/
package events
