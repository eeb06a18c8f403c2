// Package schema owns typed views over generic elements.
//
// Ownership boundary:
// - field descriptors and value codecs
// - schema definition, inheritance flattening and structural recognition
// - instance construction, parsing, mutation and equality
// - reply futures and the Break/Empty sentinels
//
// A required field counts as missing when it resolves to nil, "", an empty
// list, empty bytes, a zero JID or a zero time.
//
// Raw XML lives in protocol/element; stanza envelopes live in protocol/stanza.
package schema
