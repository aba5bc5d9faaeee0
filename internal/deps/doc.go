// Package deps resolves blocking relationships between issues.
//
// Blockers are declared in two ways. Native tracker links are authoritative;
// when an issue has any, its body text is ignored. Otherwise the body is
// scanned for the legacy convention:
//
//	**Blocked by:** #12, ~~#4~~ ✅, #14
//
// Plain references are open blockers. Struck-through references were marked
// done by a human; they are still checked against the tracker, because live
// state wins over formatting.
//
// The Resolver walks the open-blocker graph iteratively with an explicit
// visited set, producing a post-order chain (every blocker before the issues
// it blocks). TopoSort orders a set of jobs with a lowest-id tie-break and
// breaks cycles by forcing the lowest remaining id.
package deps
