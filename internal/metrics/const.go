package metrics

const Namespace = "ironca"
