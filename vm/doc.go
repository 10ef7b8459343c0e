// Package vm implements the Loon virtual machine.
//
// This package contains:
//   - NaN-boxed value representation
//   - Object layout with versioned classes and instance dicts
//   - Bytecode interpreter with adaptive instruction specialization
//   - Inline cache region layout and counters
//   - Image serialization with lazy code-object hydration
package vm
