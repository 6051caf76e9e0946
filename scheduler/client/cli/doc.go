/*
Package cli is the gpusched command line. It lists and prints the named
scheduler configurations and runs a scheduler in-process against
simulated executors and probes, so deployment profiles can be tried
without any gpu hardware.
*/
package cli
