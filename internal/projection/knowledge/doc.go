// Package knowledge is the knowledge graph projection: nodes with a
// merge-key conflict policy, supersession chains and typed edges.
//
// A node is never edited by supersession. The old node moves to the
// terminal superseded status and an edge of type "supersedes" points from
// the new node to the old one. Every edge type is kept acyclic.
package knowledge
