// Package segment turns a live stream of PCM frames from one track into
// discrete conversation segments.
//
// Three pieces cooperate per track:
//
//   - [Classifier] labels each frame speech or silence by comparing its RMS
//     energy to a threshold. It never fails: empty or malformed payloads
//     are silence.
//   - [Machine] is the Idle/Recording state machine. It requires a run of
//     consecutive speech frames before it starts recording and a run of
//     consecutive silence frames before it ends a segment.
//   - [Buffer] accumulates frame payloads while recording and hands them
//     over in a single move when the segment is flushed.
//
// A Machine is owned by exactly one goroutine. Nothing in this package
// locks; tracks never share state.
package segment
