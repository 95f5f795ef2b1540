// Package routing: route table matching and weighted-cluster selection.
//
// A Matcher holds an ordered list of RouteEntry values. Match walks them in
// order and returns the first one whose header predicates all match; the
// caller then resolves a concrete cluster via RouteEntry.ClusterEntry,
// passing a random value for weighted-cluster routes.
package routing
