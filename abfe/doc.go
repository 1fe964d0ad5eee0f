// Package abfe provides the orchestration and analysis core for adaptive
// absolute binding free energy (ABFE) calculations.
//
// # Reading Guide
//
// Start with these packages to understand the core:
//   - queue/: virtual job queue multiplexed onto a capacity-limited batch scheduler
//   - gradients/: dH/dλ series analysis (statistical inefficiency, equilibration detection, SEMs)
//   - runtree/: the Calculation → Leg → Stage → LambdaWindow → Simulation tree
//
// # Architecture
//
// The abfe package defines the shared error taxonomy; implementations live in
// sub-packages:
//   - abfe/queue/: Job lifecycle, VirtualQueue, Slurm scheduler client
//   - abfe/gradients/: GradientSeriesAnalyzer and simfile reader
//   - abfe/lambda/: λ spacing optimisation from integrated SEM curves
//   - abfe/estimate/: free-energy estimators and MBAR output readers
//   - abfe/runtree/: run tree nodes, aggregation, persistence, adaptive monitor
//   - abfe/trace/: state-transition records
//
// # Key Interfaces
//
//   - queue.Scheduler: submit, list active ids, cancel (batch scheduler capability)
//   - estimate.Estimator: per-window free-energy estimate for one replicate
//   - runtree.Node: run, kill, analyse and inspect any level of the run tree
package abfe
