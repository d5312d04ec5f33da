// Package buildsys implements marker target conventions on top of the
// dependency graph engine: fake targets for side effects that only depend on
// files, meta targets for values which are recomputed every build but only
// invalidate their dependents when they change, template preprocessing, and
// a build fingerprint which invalidates everything when the build
// specification itself changes.
package buildsys
