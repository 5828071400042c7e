// Package federation implements the federation subsystem of the storage
// service: peer instance discovery and handshake, authenticated message
// exchange with replay protection, the federated share and identity-link
// state machines, activity aggregation across peers, and the periodic
// health and retention sweeps. Durable state sits behind the Repository
// port; outbound health probes are the only other I/O.
package federation
