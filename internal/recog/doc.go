// Package recog defines the common interface that all recognition engines
// (local tesseract, metered cloud providers) must implement, along with the
// engine registry that tracks per-engine health from reported attempt outcomes.
package recog
