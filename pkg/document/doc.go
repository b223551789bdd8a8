// Package document defines the shared parametric document for facet.
// A document is an ordered list of uniquely named objects whose
// dependency edges form a DAG, plus a free-form option bag. All
// mutations go through transactions so multi-step edits are observed
// atomically by every subscriber.
package document
