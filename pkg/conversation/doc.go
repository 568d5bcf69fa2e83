// Package conversation holds the data model of forkline chats.
//
// A Conversation keeps its messages in a single flat, insertion-ordered list
// and its branch tree in a separate Branch table. Each Branch points to its
// parent branch and to the message it was forked from. The history visible on
// a branch is reconstructed on demand by VisiblePath instead of being kept as
// live back-references, which keeps the structure acyclic and trivially
// serializable.
package conversation
