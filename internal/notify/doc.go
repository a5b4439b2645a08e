// Package notify delivers stream notifications to chats.
//
// A Dispatcher decides between a text message and a photo for every
// recipient, acquires the stream photo at most once per stream through the
// PhotoCache, records delivered messages in a bounded History so they can be
// edited in place later, and turns permanent delivery failures into
// directory changes (chat removal, channel removal, chat migration).
//
// Failures are isolated per recipient. Nothing here stops the caller's loop
// over streams; problems surface through the returned Report and the logs.
package notify
